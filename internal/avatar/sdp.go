package avatar

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// EncodeOffer wraps a raw client SDP offer into the base64 JSON envelope
// the remote service expects on session.avatar.connect.
func EncodeOffer(sdp string) (string, error) {
	if strings.TrimSpace(sdp) == "" {
		return "", fmt.Errorf("empty sdp offer")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode sdp offer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeServerSdp extracts the raw answer SDP from a session.avatar.connecting
// frame. Some service versions send the SDP verbatim, others wrap it in the
// same base64 JSON envelope used for offers, so raw is tried first.
func DecodeServerSdp(payload string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return "", fmt.Errorf("empty server sdp")
	}
	if strings.HasPrefix(trimmed, "v=0") {
		// Verbatim SDP. Return the payload untouched; the trailing CRLF is
		// part of a valid description.
		return payload, nil
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("decode server sdp: %w", err)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return "", fmt.Errorf("decode server sdp: %w", err)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return "", fmt.Errorf("server sdp envelope missing sdp")
	}
	return desc.SDP, nil
}
