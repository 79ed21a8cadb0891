// Package config loads the bridge configuration from an INI file with
// flag and environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"
)

const linePrefix = "line."

// Line is one configured SIP account.
type Line struct {
	User        string
	Password    string
	DisplayName string
	Port        int
}

// Config holds the full bridge configuration.
type Config struct {
	// Host bus settings
	HostURL string

	// SIP settings
	Registrar      string
	BindAddr       string
	BasePort       int
	AdvertiseAddr  string
	RegisterExpiry time.Duration
	DialTimeout    time.Duration

	Lines []Line

	// WebRTC settings
	STUNServers []string

	LogLevel string
}

// Load reads the INI file at path, then applies environment variable
// overrides on top.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	cfg := parse(file)

	applyEnv(cfg)

	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse maps the INI sections onto a Config.
func parse(file *ini.File) *Config {
	cfg := &Config{}

	sec := file.Section("host")
	cfg.HostURL = sec.Key("url").String()

	sec = file.Section("sip")
	cfg.Registrar = sec.Key("server").String()
	cfg.BindAddr = sec.Key("bind").MustString("0.0.0.0")
	cfg.BasePort = sec.Key("port").MustInt(5060)
	cfg.AdvertiseAddr = sec.Key("advertise").String()
	cfg.RegisterExpiry = time.Duration(sec.Key("register_expiry").MustInt(120)) * time.Second
	cfg.DialTimeout = time.Duration(sec.Key("dial_timeout").MustInt(90)) * time.Second

	sec = file.Section("webrtc")
	cfg.STUNServers = parseList(sec.Key("stun_servers").MustString("stun:stun.l.google.com:19302"))

	sec = file.Section("log")
	cfg.LogLevel = sec.Key("level").MustString("info")

	// One line.<user> section per account. Ports default to consecutive
	// values above the base port so lines never collide on one host.
	nextPort := cfg.BasePort
	for _, s := range file.Sections() {
		if !strings.HasPrefix(s.Name(), linePrefix) {
			continue
		}
		user := strings.TrimPrefix(s.Name(), linePrefix)
		if user == "" {
			continue
		}
		line := Line{
			User:        user,
			Password:    s.Key("password").String(),
			DisplayName: s.Key("display_name").MustString(user),
			Port:        s.Key("port").MustInt(nextPort),
		}
		nextPort = line.Port + 1
		cfg.Lines = append(cfg.Lines, line)
	}

	return cfg
}

func (c *Config) validate() error {
	if c.HostURL == "" {
		return fmt.Errorf("[host] url must be set")
	}
	if c.Registrar == "" {
		return fmt.Errorf("[sip] server must be set")
	}
	if len(c.Lines) == 0 {
		return fmt.Errorf("at least one line.<user> section must be set")
	}
	return nil
}

// applyEnv overrides file values with environment variables when set.
func applyEnv(cfg *Config) {
	if url := os.Getenv("HOST_URL"); url != "" {
		cfg.HostURL = url
	}
	if server := os.Getenv("SIP_SERVER"); server != "" {
		cfg.Registrar = server
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.BasePort = p
		}
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if stun := os.Getenv("STUN_SERVERS"); stun != "" {
		cfg.STUNServers = parseList(stun)
	}
}

// parseList parses a comma-separated list, dropping empty entries.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isValidAddress checks if the address is a valid IP or resolvable
// hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
