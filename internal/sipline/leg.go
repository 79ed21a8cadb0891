package sipline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/voicebridge/internal/bridge"
)

const requestTimeout = 5 * time.Second

var _ bridge.CallLeg = (*Leg)(nil)

// Leg is one SIP call on a line. It satisfies the bridge's call-leg
// contract; dialog bookkeeping stays private.
type Leg struct {
	line      *Line
	callID    string
	direction bridge.Direction
	caller    bridge.Party
	callee    bridge.Party
	localTag  string
	rtp       *rtpSession

	mu        sync.Mutex
	state     bridge.LegState
	remoteTag string
	invite    *sip.Request          // inbound: theirs, outbound: ours
	inviteTx  sip.ServerTransaction // inbound only
	okResp    *sip.Response         // inbound: our 200, outbound: theirs
	cseq      uint32
}

func (g *Leg) ID() string { return g.callID }

func (g *Leg) State() bridge.LegState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Leg) Caller() bridge.Party { return g.caller }
func (g *Leg) Callee() bridge.Party { return g.callee }

// setState moves the leg forward; terminal states are absorbing. It
// reports whether the transition took effect.
func (g *Leg) setState(s bridge.LegState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.IsTerminal() {
		return false
	}
	g.state = s
	return true
}

// Answer accepts a ringing inbound leg with a 200 OK carrying our media
// endpoint and starts the RTP pumps.
func (g *Leg) Answer() error {
	g.mu.Lock()
	if g.direction != bridge.DirectionInbound {
		g.mu.Unlock()
		return fmt.Errorf("answer on outbound leg %s", g.callID)
	}
	if g.state != bridge.LegRinging {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("answer in state %s", state)
	}
	req, tx := g.invite, g.inviteTx
	g.mu.Unlock()

	body, err := buildSDP(g.line.advertiseAddr(), g.rtp.LocalPort())
	if err != nil {
		return err
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	g.stampResponse(resp)
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)

	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("respond 200: %w", err)
	}

	g.mu.Lock()
	g.okResp = resp
	g.mu.Unlock()

	g.rtp.Start()
	g.setState(bridge.LegAnswered)
	slog.Info("[Line] Call answered", "call_id", g.callID)
	return nil
}

// Deny rejects a ringing inbound leg with 486 Busy Here.
func (g *Leg) Deny() error {
	g.mu.Lock()
	if g.direction != bridge.DirectionInbound || g.state != bridge.LegRinging {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("deny in state %s", state)
	}
	req, tx := g.invite, g.inviteTx
	g.mu.Unlock()

	resp := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	g.stampResponse(resp)
	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("respond 486: %w", err)
	}

	g.setState(bridge.LegDenied)
	g.finish()
	slog.Info("[Line] Call denied", "call_id", g.callID)
	return nil
}

// Hangup ends an answered leg with BYE.
func (g *Leg) Hangup() error {
	g.mu.Lock()
	if g.state != bridge.LegAnswered {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("hangup in state %s", state)
	}
	g.mu.Unlock()

	err := g.sendBYE()
	g.setState(bridge.LegEnded)
	g.finish()
	return err
}

// Bye ends the leg at the protocol level whatever its state: 480 for a
// still-ringing inbound leg, CANCEL for an unanswered outbound one, BYE
// once answered.
func (g *Leg) Bye() error {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()

	switch {
	case state.IsTerminal():
		return nil
	case state == bridge.LegAnswered:
		return g.Hangup()
	case g.direction == bridge.DirectionInbound:
		g.mu.Lock()
		req, tx := g.invite, g.inviteTx
		g.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
		g.stampResponse(resp)
		err := tx.Respond(resp)
		g.setState(bridge.LegEnded)
		g.finish()
		return err
	default:
		err := g.sendCANCEL()
		g.setState(bridge.LegEnded)
		g.finish()
		return err
	}
}

// ForceEnded marks the leg ended locally without signaling.
func (g *Leg) ForceEnded() {
	if g.setState(bridge.LegEnded) {
		g.finish()
	}
}

func (g *Leg) ReadAudio(frameSize int, blocking bool) ([]byte, error) {
	return g.rtp.ReadAudio(frameSize, blocking)
}

func (g *Leg) WriteAudio(p []byte) error {
	g.rtp.WriteAudio(p)
	return nil
}

// remoteCancel handles a CANCEL from the peer: 487 on the INVITE
// transaction, then local teardown.
func (g *Leg) remoteCancel() {
	g.mu.Lock()
	req, tx := g.invite, g.inviteTx
	ringing := g.state == bridge.LegRinging
	g.mu.Unlock()

	if ringing && tx != nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil)
		g.stampResponse(resp)
		if err := tx.Respond(resp); err != nil {
			slog.Debug("[Line] 487 response failed", "call_id", g.callID, "error", err)
		}
	}
	if g.setState(bridge.LegEnded) {
		g.finish()
	}
}

// remoteBye handles a BYE from the peer.
func (g *Leg) remoteBye() {
	if g.setState(bridge.LegEnded) {
		g.finish()
	}
}

// finish releases the media session and drops the leg from the line's
// table. Safe to call repeatedly.
func (g *Leg) finish() {
	g.rtp.Close()
	g.line.removeLeg(g.callID)
}

// stampResponse sets our dialog tag on the To header of a UAS response.
func (g *Leg) stampResponse(resp *sip.Response) {
	to := resp.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", g.localTag)
	}
}

// sendBYE builds the in-dialog BYE. Header roles depend on who sent the
// INVITE: the UAC reuses its From identity, the UAS swaps the INVITE's
// From/To pair.
func (g *Leg) sendBYE() error {
	g.mu.Lock()
	invite := g.invite
	okResp := g.okResp
	remoteTag := g.remoteTag
	g.cseq++
	seq := g.cseq
	g.mu.Unlock()

	if invite == nil {
		return fmt.Errorf("no dialog state for BYE on %s", g.callID)
	}

	var recipient sip.Uri
	if g.direction == bridge.DirectionOutbound {
		if okResp != nil && okResp.Contact() != nil {
			recipient = okResp.Contact().Address
		} else if to := invite.To(); to != nil {
			recipient = to.Address
		}
	} else {
		if contact := invite.Contact(); contact != nil {
			recipient = contact.Address
			recipient.UriParams = sip.NewParams()
		} else if from := invite.From(); from != nil {
			recipient = from.Address
		}
	}

	bye := sip.NewRequest(sip.BYE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	if g.direction == bridge.DirectionOutbound {
		if from := invite.From(); from != nil {
			bye.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := invite.To(); to != nil {
			params := sip.NewParams()
			if remoteTag != "" {
				params.Add("tag", remoteTag)
			}
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      params,
			})
		}
	} else {
		// UAS: our identity comes from the 200's To header.
		if okResp != nil {
			if to := okResp.To(); to != nil {
				bye.AppendHeader(&sip.FromHeader{
					DisplayName: to.DisplayName,
					Address:     to.Address,
					Params:      to.Params.Clone(),
				})
			}
		}
		if from := invite.From(); from != nil {
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callID := invite.CallID(); callID != nil {
		bye.AppendHeader(callID)
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	bye.AppendHeader(&sip.ContactHeader{Address: g.line.contactURI()})

	if g.direction == bridge.DirectionInbound && invite.Source() != "" {
		bye.SetDestination(invite.Source())
	} else {
		port := recipient.Port
		if port == 0 {
			port = 5060
		}
		bye.SetDestination(net.JoinHostPort(recipient.Host, fmt.Sprintf("%d", port)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	tx, err := g.line.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Line] BYE response", "call_id", g.callID, "status", int(resp.StatusCode))
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Line] BYE timed out", "call_id", g.callID)
	}

	slog.Info("[Line] BYE sent", "call_id", g.callID)
	return nil
}

// sendCANCEL aborts an in-progress outbound INVITE per RFC 3261
// section 9.1: same Via, From, To, Call-ID and CSeq number as the
// INVITE being canceled.
func (g *Leg) sendCANCEL() error {
	g.mu.Lock()
	invite := g.invite
	g.mu.Unlock()

	if invite == nil {
		return fmt.Errorf("no INVITE to cancel on %s", g.callID)
	}

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	cancelReq.SetDestination(invite.Destination())

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	tx, err := g.line.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}

	slog.Info("[Line] CANCEL sent", "call_id", g.callID)
	return nil
}
