// Package sipline drives one SIP account: registration against the
// provider, inbound and outbound call legs, and per-leg RTP media. It
// is the telephony-side driver behind the bridge's line and call-leg
// contracts.
package sipline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/voicebridge/internal/bridge"
)

// Config describes one SIP account.
type Config struct {
	// User is the account's user part; it doubles as the line ID.
	User        string
	Password    string
	DisplayName string

	// Registrar is the provider's SIP service as host or host:port.
	Registrar string

	// BindAddr and Port are the local SIP listening endpoint. RTP
	// sockets bind ephemeral ports on the same address.
	BindAddr string
	Port     int

	// AdvertiseAddr is the address written into Contact and SDP.
	// Defaults to BindAddr.
	AdvertiseAddr string

	// RegisterExpiry is the requested registration lifetime.
	RegisterExpiry time.Duration

	// DialTimeout bounds how long an outbound INVITE may ring.
	DialTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.BindAddr
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = 120 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 90 * time.Second
	}
	if c.Port == 0 {
		c.Port = 5060
	}
}

// RegState is the line's registration lifecycle.
type RegState int

const (
	RegNone RegState = iota
	RegInProgress
	RegActive
	RegFailed
)

func (s RegState) String() string {
	switch s {
	case RegNone:
		return "unregistered"
	case RegInProgress:
		return "registering"
	case RegActive:
		return "registered"
	case RegFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Line is one configured SIP account with its own user agent and
// listening port.
type Line struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu       sync.Mutex
	legs     map[string]*Leg
	incoming func(bridge.CallLeg)
	regState RegState
	regErr   error
	regDone  chan struct{} // closed on first success or failure
	doneOnce sync.Once
	cancel   context.CancelFunc
}

var _ bridge.Line = (*Line)(nil)

// NewLine builds the SIP stack for one account. Start brings it up.
func NewLine(cfg Config) (*Line, error) {
	cfg.withDefaults()
	if cfg.User == "" {
		return nil, fmt.Errorf("line user must not be empty")
	}
	if cfg.Registrar == "" {
		return nil, fmt.Errorf("line %s: registrar must not be empty", cfg.User)
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	l := &Line{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		legs:    make(map[string]*Leg),
		regDone: make(chan struct{}),
	}

	srv.OnRequest(sip.INVITE, l.onInvite)
	srv.OnRequest(sip.BYE, l.onBye)
	srv.OnRequest(sip.CANCEL, l.onCancel)
	srv.OnRequest(sip.ACK, l.onAck)

	return l, nil
}

// ID returns the line identifier.
func (l *Line) ID() string { return l.cfg.User }

// OnIncoming sets the callback invoked for each new ringing inbound
// leg. Must be set before Start.
func (l *Line) OnIncoming(fn func(bridge.CallLeg)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incoming = fn
}

// Start binds the SIP listener and begins the registration loop.
func (l *Line) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	listenAddr := net.JoinHostPort(l.cfg.BindAddr, strconv.Itoa(l.cfg.Port))
	slog.Info("[Line] Starting", "line_id", l.ID(), "listen", listenAddr, "registrar", l.cfg.Registrar)

	go func() {
		if err := l.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil && ctx.Err() == nil {
			l.failRegistration(fmt.Errorf("sip listen on %s: %w", listenAddr, err))
		}
	}()

	go l.registerLoop(ctx)
	return nil
}

// WaitRegistered blocks until the first registration attempt resolves.
func (l *Line) WaitRegistered(ctx context.Context) error {
	select {
	case <-l.regDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.regState != RegActive {
		return l.regErr
	}
	return nil
}

// RegistrationState reports the current registration state.
func (l *Line) RegistrationState() RegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.regState
}

// Ringing returns the inbound legs currently ringing on this line.
func (l *Line) Ringing() []bridge.CallLeg {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bridge.CallLeg
	for _, leg := range l.legs {
		if leg.direction == bridge.DirectionInbound && leg.State() == bridge.LegRinging {
			out = append(out, leg)
		}
	}
	return out
}

// Close hangs up every leg and shuts the stack down.
func (l *Line) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	legs := make([]*Leg, 0, len(l.legs))
	for _, leg := range l.legs {
		legs = append(legs, leg)
	}
	l.mu.Unlock()
	for _, leg := range legs {
		if err := leg.Bye(); err != nil {
			leg.ForceEnded()
		}
	}
	return l.ua.Close()
}

func (l *Line) advertiseAddr() string { return l.cfg.AdvertiseAddr }

func (l *Line) contactURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   l.cfg.User,
		Host:   l.cfg.AdvertiseAddr,
		Port:   l.cfg.Port,
	}
}

// registrarHostPort splits the registrar into host and port with the
// default SIP port applied.
func (l *Line) registrarHostPort() (string, int) {
	host := l.cfg.Registrar
	port := 5060
	if h, p, err := net.SplitHostPort(l.cfg.Registrar); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}

func (l *Line) addLeg(leg *Leg) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.legs[leg.callID] = leg
}

func (l *Line) removeLeg(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.legs, callID)
}

func (l *Line) getLeg(callID string) (*Leg, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	leg, ok := l.legs[callID]
	return leg, ok
}

// onInvite admits an inbound call: allocate media, ring back, hand the
// leg to the bridge.
func (l *Line) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		tx.Respond(resp)
		return
	}
	callID := callIDHdr.Value()

	if _, exists := l.getLeg(callID); exists {
		// INVITE retransmission, the transaction layer re-sends our
		// provisional.
		slog.Debug("[Line] Duplicate INVITE", "call_id", callID)
		return
	}

	remoteAddr, remotePort, err := parseSDP(req.Body())
	if err != nil {
		slog.Warn("[Line] Rejecting INVITE with bad SDP", "call_id", callID, "error", err)
		resp := sip.NewResponseFromRequest(req, sip.StatusNotAcceptable, "Not Acceptable", nil)
		tx.Respond(resp)
		return
	}

	rtp, err := newRTPSession(l.cfg.BindAddr)
	if err != nil {
		slog.Error("[Line] Media allocation failed", "call_id", callID, "error", err)
		resp := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		tx.Respond(resp)
		return
	}
	if err := rtp.SetRemote(remoteAddr, remotePort); err != nil {
		rtp.Close()
		resp := sip.NewResponseFromRequest(req, sip.StatusNotAcceptable, "Not Acceptable", nil)
		tx.Respond(resp)
		return
	}

	leg := &Leg{
		line:      l,
		callID:    callID,
		direction: bridge.DirectionInbound,
		caller:    partyFromFrom(req),
		callee:    partyFromTo(req),
		localTag:  generateTag(),
		rtp:       rtp,
		state:     bridge.LegRinging,
		invite:    req,
		inviteTx:  tx,
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			leg.remoteTag = tag
		}
	}
	l.addLeg(leg)

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	leg.stampResponse(ringing)
	if err := tx.Respond(ringing); err != nil {
		slog.Error("[Line] 180 response failed", "call_id", callID, "error", err)
		leg.ForceEnded()
		return
	}

	slog.Info("[Line] Incoming call ringing",
		"line_id", l.ID(),
		"call_id", callID,
		"caller", leg.caller.Number,
	)

	l.mu.Lock()
	notify := l.incoming
	l.mu.Unlock()
	if notify != nil {
		go notify(leg)
	}

	// The INVITE transaction dies if the peer gives up; treat that as
	// a remote cancel so the leg cannot ring forever.
	go func() {
		<-tx.Done()
		if leg.State() == bridge.LegRinging {
			slog.Debug("[Line] INVITE transaction ended while ringing", "call_id", callID)
			leg.remoteCancel()
		}
	}()
}

func (l *Line) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	leg, ok := l.getLeg(callID)
	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		tx.Respond(resp)
		return
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Debug("[Line] BYE response failed", "call_id", callID, "error", err)
	}
	slog.Info("[Line] Remote hangup", "call_id", callID)
	leg.remoteBye()
}

func (l *Line) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Debug("[Line] CANCEL response failed", "call_id", callID, "error", err)
	}

	if leg, ok := l.getLeg(callID); ok {
		slog.Info("[Line] Remote canceled", "call_id", callID)
		leg.remoteCancel()
	}
}

func (l *Line) onAck(req *sip.Request, _ sip.ServerTransaction) {
	if h := req.CallID(); h != nil {
		slog.Debug("[Line] ACK", "call_id", h.Value())
	}
}

func partyFromFrom(req *sip.Request) bridge.Party {
	from := req.From()
	if from == nil {
		return bridge.Party{}
	}
	return bridge.Party{
		Name:   strings.Trim(from.DisplayName, "\""),
		Number: from.Address.User,
	}
}

func partyFromTo(req *sip.Request) bridge.Party {
	to := req.To()
	if to == nil {
		return bridge.Party{}
	}
	return bridge.Party{
		Name:   strings.Trim(to.DisplayName, "\""),
		Number: to.Address.User,
	}
}

// generateTag returns a short random dialog tag.
func generateTag() string {
	return uuid.New().String()[:8]
}

func generateCallID() string {
	return uuid.New().String()
}

// failRegistration records a fatal line fault and unblocks waiters.
func (l *Line) failRegistration(err error) {
	l.mu.Lock()
	l.regState = RegFailed
	l.regErr = err
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.regDone) })
}
