package jsbridge

import "context"

// Peer identifies the remote end of a bridge for request handlers.
type Peer struct {
	SessionID  string
	Origin     string
	ClientName string
}

type peerKey struct{}

// WithPeer returns a context carrying p.
func WithPeer(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// PeerFrom returns the peer stored in ctx.
func PeerFrom(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}
