package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/bridge"
	"github.com/sebas/voicebridge/internal/bus"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/media"
	"github.com/sebas/voicebridge/internal/sipline"
)

func main() {
	configPath := flag.String("config", "voicebridge.ini", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("Bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var lineNames []string
	for _, l := range cfg.Lines {
		lineNames = append(lineNames, l.User)
	}
	banner.Print("Voicebridge", []banner.ConfigLine{
		{Label: "Host bus", Value: cfg.HostURL},
		{Label: "SIP server", Value: cfg.Registrar},
		{Label: "Bind", Value: cfg.BindAddr + ":" + strconv.Itoa(cfg.BasePort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Lines", Value: strings.Join(lineNames, ", ")},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory, err := media.NewFactory(media.Config{STUNServers: cfg.STUNServers})
	if err != nil {
		return fmt.Errorf("create media factory: %w", err)
	}

	registry := bridge.NewRegistry()

	relay := &relayShim{}
	conn, err := bus.Dial(ctx, cfg.HostURL, relay)
	if err != nil {
		return fmt.Errorf("connect host bus: %w", err)
	}
	defer conn.Close()

	coord := bridge.NewCoordinator(registry, conn)
	service := bridge.NewService(registry, coord, factory, conn)
	relay.setDelegate(service)

	var lines []*sipline.Line
	defer func() {
		for _, l := range lines {
			_ = l.Close()
		}
	}()

	for _, lc := range cfg.Lines {
		line, err := sipline.NewLine(sipline.Config{
			User:           lc.User,
			Password:       lc.Password,
			DisplayName:    lc.DisplayName,
			Registrar:      cfg.Registrar,
			BindAddr:       cfg.BindAddr,
			Port:           lc.Port,
			AdvertiseAddr:  cfg.AdvertiseAddr,
			RegisterExpiry: cfg.RegisterExpiry,
			DialTimeout:    cfg.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("create line %s: %w", lc.User, err)
		}
		line.OnIncoming(service.HandleIncoming)

		if err := line.Start(ctx); err != nil {
			return fmt.Errorf("start line %s: %w", lc.User, err)
		}
		lines = append(lines, line)
		service.AddLine(line)
	}

	// All lines must come up before the bridge reports ready. A line
	// that cannot register is a deployment fault, not a runtime one.
	regCtx, regCancel := context.WithTimeout(ctx, 30*time.Second)
	defer regCancel()
	for _, line := range lines {
		if err := line.WaitRegistered(regCtx); err != nil {
			return fmt.Errorf("line %s registration: %w", line.ID(), err)
		}
	}

	slog.Info("Voicebridge running",
		"lines", len(lines),
		"host", cfg.HostURL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
	return nil
}

// relayShim lets the bus connection be dialed before the service
// exists: the service needs the connection as its publisher, and the
// connection needs a command handler. Commands arriving before the
// service is wired are dropped with a log line.
type relayShim struct {
	mu       sync.Mutex
	delegate bus.CommandHandler
}

func (r *relayShim) setDelegate(h bus.CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegate = h
}

func (r *relayShim) HandleCommand(cmd bus.Command) {
	r.mu.Lock()
	h := r.delegate
	r.mu.Unlock()
	if h == nil {
		slog.Warn("Dropping command before bridge is ready", "type", string(cmd.Type))
		return
	}
	h.HandleCommand(cmd)
}
