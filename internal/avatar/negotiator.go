package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNegotiationPending = errors.New("avatar negotiation already in progress")
	ErrNegotiationTimeout = errors.New("avatar negotiation timed out")
)

const defaultNegotiationTimeout = 20 * time.Second

// OfferSender carries an encoded SDP offer to the remote service.
// The speech wire client satisfies this.
type OfferSender interface {
	SendAvatarConnect(ctx context.Context, encodedSdp string) error
}

// Negotiator runs the offer/answer exchange for one connection. At most one
// exchange may be in flight; a second offer while the first is pending is
// rejected rather than queued.
type Negotiator struct {
	sender  OfferSender
	timeout time.Duration

	mu      sync.Mutex
	pending chan string
}

func NewNegotiator(sender OfferSender, timeout time.Duration) *Negotiator {
	if timeout <= 0 {
		timeout = defaultNegotiationTimeout
	}
	return &Negotiator{sender: sender, timeout: timeout}
}

// ConnectAvatar sends the client's SDP offer to the remote service and blocks
// until the answer arrives, the timeout elapses, or ctx is cancelled. It
// returns the raw answer SDP ready to hand back to the client.
func (n *Negotiator) ConnectAvatar(ctx context.Context, clientSdp string) (string, error) {
	encoded, err := EncodeOffer(clientSdp)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	if n.pending != nil {
		n.mu.Unlock()
		return "", ErrNegotiationPending
	}
	answer := make(chan string, 1)
	n.pending = answer
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		if n.pending == answer {
			n.pending = nil
		}
		n.mu.Unlock()
	}()

	if err := n.sender.SendAvatarConnect(ctx, encoded); err != nil {
		return "", fmt.Errorf("send avatar offer: %w", err)
	}

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case serverSdp := <-answer:
		return DecodeServerSdp(serverSdp)
	case <-timer.C:
		return "", ErrNegotiationTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleConnecting resolves the pending exchange with the server SDP from a
// session.avatar.connecting frame. An answer with no exchange waiting is
// dropped.
func (n *Negotiator) HandleConnecting(serverSdp string) {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	if pending != nil {
		pending <- serverSdp
	}
}
