package sipline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// refresh margin: re-register at half the granted lifetime.
const refreshDivisor = 2

// registerLoop keeps the account registered. The first attempt decides
// whether the line comes up at all; later refresh failures are retried
// with backoff while the line stays nominally up.
func (l *Line) registerLoop(ctx context.Context) {
	l.mu.Lock()
	l.regState = RegInProgress
	l.mu.Unlock()

	if err := l.register(ctx); err != nil {
		slog.Error("[Line] Registration failed",
			"line_id", l.ID(),
			"registrar", l.cfg.Registrar,
			"error", err,
		)
		l.failRegistration(err)
		return
	}

	l.mu.Lock()
	l.regState = RegActive
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.regDone) })
	slog.Info("[Line] Registered", "line_id", l.ID(), "registrar", l.cfg.Registrar)

	interval := l.cfg.RegisterExpiry / refreshDivisor
	backoff := 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := l.register(ctx); err != nil {
			slog.Warn("[Line] Registration refresh failed, retrying",
				"line_id", l.ID(),
				"error", err,
				"retry_in", backoff,
			)
			interval = backoff
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		interval = l.cfg.RegisterExpiry / refreshDivisor
		backoff = 5 * time.Second
	}
}

// register performs one REGISTER exchange, answering a digest challenge
// once if the registrar demands credentials.
func (l *Line) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := l.buildRegister(1, "", "")
	resp, err := l.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	switch int(resp.StatusCode) {
	case int(sip.StatusOK):
		return nil
	case int(sip.StatusUnauthorized), int(sip.StatusProxyAuthRequired):
	default:
		return fmt.Errorf("registrar answered %d %s", int(resp.StatusCode), resp.Reason)
	}

	headerName, respHeader := "WWW-Authenticate", "Authorization"
	if int(resp.StatusCode) == int(sip.StatusProxyAuthRequired) {
		headerName, respHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	challengeHdr := resp.GetHeader(headerName)
	if challengeHdr == nil {
		return fmt.Errorf("registrar sent %d without a challenge", int(resp.StatusCode))
	}
	challenge, err := digest.ParseChallenge(challengeHdr.Value())
	if err != nil {
		return fmt.Errorf("parse auth challenge: %w", err)
	}
	if l.cfg.Password == "" {
		return fmt.Errorf("registrar requires auth but line %s has no password", l.ID())
	}

	registrar := l.registrarURI()
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   sip.REGISTER.String(),
		URI:      registrar.String(),
		Username: l.cfg.User,
		Password: l.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req = l.buildRegister(2, respHeader, cred.String())
	resp, err = l.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if int(resp.StatusCode) != int(sip.StatusOK) {
		return fmt.Errorf("registrar rejected credentials: %d %s", int(resp.StatusCode), resp.Reason)
	}
	return nil
}

func (l *Line) registrarURI() sip.Uri {
	host, port := l.registrarHostPort()
	return sip.Uri{Scheme: "sip", Host: host, Port: port}
}

func (l *Line) buildRegister(seq uint32, authHeader, authValue string) *sip.Request {
	registrar := l.registrarURI()
	req := sip.NewRequest(sip.REGISTER, registrar)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	account := sip.Uri{Scheme: "sip", User: l.cfg.User, Host: registrar.Host}
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{
		DisplayName: l.cfg.DisplayName,
		Address:     account,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: account, Params: sip.NewParams()})

	callID := sip.CallIDHeader(generateCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: l.contactURI()})

	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(l.cfg.RegisterExpiry/time.Second))))

	if authHeader != "" {
		req.AppendHeader(sip.NewHeader(authHeader, authValue))
	}

	req.SetDestination(net.JoinHostPort(registrar.Host, strconv.Itoa(registrar.Port)))
	return req
}

// roundTrip sends the request and waits for its final response.
func (l *Line) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := l.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%s transaction closed without response", req.Method)
			}
			if int(resp.StatusCode) < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction terminated without final response", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
