package sipline

import (
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// buildSDP produces the audio session description for one leg: a single
// PCMU stream at the given local endpoint, plus telephone-event so
// peers that insist on DTMF negotiation stay happy.
func buildSDP(addr string, port int) ([]byte, error) {
	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "voicebridge",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Voicebridge Call",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: addr},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "101"},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return body, nil
}

// parseSDP extracts the peer's audio endpoint from an offer or answer.
// The connection address may live at session or media level.
func parseSDP(body []byte) (addr string, port int, err error) {
	if len(body) == 0 {
		return "", 0, fmt.Errorf("empty sdp body")
	}

	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, fmt.Errorf("parse sdp: %w", err)
	}

	var media *psdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			media = m
			break
		}
	}
	if media == nil {
		return "", 0, fmt.Errorf("no audio media in sdp")
	}
	port = media.MediaName.Port.Value

	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if addr == "" {
		return "", 0, fmt.Errorf("no connection address in sdp")
	}

	supportsPCMU := false
	for _, f := range media.MediaName.Formats {
		if f == "0" {
			supportsPCMU = true
			break
		}
	}
	if !supportsPCMU {
		return "", 0, fmt.Errorf("peer offers no PCMU (formats %v)", media.MediaName.Formats)
	}

	return addr, port, nil
}
