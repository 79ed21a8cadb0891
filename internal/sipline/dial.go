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

	"github.com/sebas/voicebridge/internal/bridge"
)

// Dial places an outbound call. The leg is returned ringing; answer,
// rejection or timeout is resolved by a background response loop and
// surfaces through the leg's state.
func (l *Line) Dial(callee string) (bridge.CallLeg, error) {
	l.mu.Lock()
	registered := l.regState == RegActive
	l.mu.Unlock()
	if !registered {
		return nil, fmt.Errorf("line %s is not registered", l.ID())
	}

	rtp, err := newRTPSession(l.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("allocate media port: %w", err)
	}

	body, err := buildSDP(l.advertiseAddr(), rtp.LocalPort())
	if err != nil {
		rtp.Close()
		return nil, err
	}

	leg := &Leg{
		line:      l,
		callID:    generateCallID(),
		direction: bridge.DirectionOutbound,
		caller:    bridge.Party{Name: l.cfg.DisplayName, Number: l.cfg.User},
		callee:    bridge.Party{Number: callee},
		localTag:  generateTag(),
		rtp:       rtp,
		state:     bridge.LegRinging,
	}

	invite := l.buildINVITE(leg, callee, body)
	leg.mu.Lock()
	leg.invite = invite
	leg.cseq = 1
	leg.mu.Unlock()

	l.addLeg(leg)
	go l.runDial(leg, invite)

	slog.Info("[Line] Dialing",
		"line_id", l.ID(),
		"call_id", leg.callID,
		"callee", callee,
	)
	return leg, nil
}

// buildINVITE constructs the outbound INVITE carrying our SDP offer.
func (l *Line) buildINVITE(leg *Leg, callee string, body []byte) *sip.Request {
	registrarHost, registrarPort := l.registrarHostPort()

	requestURI := sip.Uri{Scheme: "sip", User: callee, Host: registrarHost, Port: registrarPort}
	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", leg.localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: l.cfg.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: l.cfg.User, Host: registrarHost},
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: callee, Host: registrarHost},
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(leg.callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: l.contactURI()})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(body)

	invite.SetDestination(net.JoinHostPort(registrarHost, strconv.Itoa(registrarPort)))
	return invite
}

// runDial drives the INVITE to a final outcome and moves the leg's
// state accordingly.
func (l *Line) runDial(leg *Leg, invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
	defer cancel()

	tx, err := l.client.TransactionRequest(ctx, invite)
	if err != nil {
		slog.Error("[Line] INVITE send failed", "call_id", leg.callID, "error", err)
		if leg.setState(bridge.LegEnded) {
			leg.finish()
		}
		return
	}

	authRetried := false
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Line] Dial timed out", "call_id", leg.callID)
			_ = leg.sendCANCEL()
			if leg.setState(bridge.LegEnded) {
				leg.finish()
			}
			return

		case resp := <-tx.Responses():
			if resp == nil {
				continue
			}
			status := int(resp.StatusCode)
			switch {
			case status < 200:
				if status == int(sip.StatusRinging) {
					slog.Info("[Line] Remote ringing", "call_id", leg.callID)
				}

			case status >= 200 && status < 300:
				l.completeDial(leg, invite, resp)
				return

			case (status == int(sip.StatusUnauthorized) || status == int(sip.StatusProxyAuthRequired)) && !authRetried:
				authRetried = true
				next, err := l.authRetryINVITE(ctx, leg, invite, resp)
				if err != nil {
					slog.Error("[Line] INVITE auth retry failed", "call_id", leg.callID, "error", err)
					if leg.setState(bridge.LegEnded) {
						leg.finish()
					}
					return
				}
				invite, tx = next.req, next.tx
				leg.mu.Lock()
				leg.invite = invite
				leg.cseq = next.req.CSeq().SeqNo
				leg.mu.Unlock()

			case status == int(sip.StatusBusyHere) || status == 603:
				slog.Info("[Line] Call rejected by remote",
					"call_id", leg.callID,
					"status", status,
					"reason", resp.Reason,
				)
				if leg.setState(bridge.LegDenied) {
					leg.finish()
				}
				return

			default:
				slog.Info("[Line] Dial failed",
					"call_id", leg.callID,
					"status", status,
					"reason", resp.Reason,
				)
				if leg.setState(bridge.LegEnded) {
					leg.finish()
				}
				return
			}

		case <-tx.Done():
			if leg.State() == bridge.LegAnswered {
				return
			}
			slog.Warn("[Line] INVITE transaction ended without final response", "call_id", leg.callID)
			if leg.setState(bridge.LegEnded) {
				leg.finish()
			}
			return
		}
	}
}

// completeDial wires up media from the 200's SDP answer, ACKs, and
// marks the leg answered.
func (l *Line) completeDial(leg *Leg, invite *sip.Request, resp *sip.Response) {
	leg.mu.Lock()
	if to := resp.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			leg.remoteTag = tag
		}
	}
	leg.okResp = resp
	leg.mu.Unlock()

	addr, port, err := parseSDP(resp.Body())
	if err != nil {
		slog.Error("[Line] Unusable SDP answer", "call_id", leg.callID, "error", err)
		_ = leg.sendBYE()
		if leg.setState(bridge.LegEnded) {
			leg.finish()
		}
		return
	}
	if err := leg.rtp.SetRemote(addr, port); err != nil {
		slog.Error("[Line] Bad remote media endpoint", "call_id", leg.callID, "error", err)
		_ = leg.sendBYE()
		if leg.setState(bridge.LegEnded) {
			leg.finish()
		}
		return
	}

	// ACK failure does not negate the 200; the call proceeds.
	if err := l.sendACK(leg, invite, resp); err != nil {
		slog.Error("[Line] ACK failed", "call_id", leg.callID, "error", err)
	}

	leg.rtp.Start()
	if !leg.setState(bridge.LegAnswered) {
		// Torn down while we negotiated; undo the dialog.
		_ = leg.sendBYE()
		return
	}
	slog.Info("[Line] Outbound call answered",
		"call_id", leg.callID,
		"remote_rtp", net.JoinHostPort(addr, strconv.Itoa(port)),
	)
}

type inviteAttempt struct {
	req *sip.Request
	tx  sip.ClientTransaction
}

// authRetryINVITE answers a 401/407 challenge with a credentialed
// INVITE on a fresh transaction.
func (l *Line) authRetryINVITE(ctx context.Context, leg *Leg, invite *sip.Request, resp *sip.Response) (*inviteAttempt, error) {
	headerName, respHeader := "WWW-Authenticate", "Authorization"
	if int(resp.StatusCode) == int(sip.StatusProxyAuthRequired) {
		headerName, respHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	challengeHdr := resp.GetHeader(headerName)
	if challengeHdr == nil {
		return nil, fmt.Errorf("%d without a challenge", int(resp.StatusCode))
	}
	challenge, err := digest.ParseChallenge(challengeHdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parse auth challenge: %w", err)
	}
	if l.cfg.Password == "" {
		return nil, fmt.Errorf("proxy requires auth but line %s has no password", l.ID())
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   sip.INVITE.String(),
		URI:      invite.Recipient.String(),
		Username: l.cfg.User,
		Password: l.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	retry := l.buildINVITE(leg, leg.callee.Number, invite.Body())
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo = 2
	}
	retry.AppendHeader(sip.NewHeader(respHeader, cred.String()))

	tx, err := l.client.TransactionRequest(ctx, retry)
	if err != nil {
		return nil, fmt.Errorf("resend INVITE: %w", err)
	}
	return &inviteAttempt{req: retry, tx: tx}, nil
}

// sendACK acknowledges a 2xx. Per RFC 3261 the ACK for a 2xx is a new
// request addressed to the remote Contact, sent outside the INVITE
// transaction.
func (l *Line) sendACK(leg *Leg, invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	dest := resp.Source()
	if dest == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		dest = net.JoinHostPort(requestURI.Host, strconv.Itoa(port))
	}
	ack.SetDestination(dest)

	done := make(chan error, 1)
	go func() { done <- l.client.WriteRequest(ack) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(requestTimeout):
		return fmt.Errorf("ACK write timed out")
	}

	slog.Debug("[Line] ACK sent", "call_id", leg.callID, "dest", dest)
	return nil
}
