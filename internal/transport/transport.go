// Package transport defines the byte-stream abstraction spec.md §1(b)
// names as an external collaborator: "a byte-stream transport offering
// ordered substreams per peer". internal/session depends only on this
// interface; internal/net/ws supplies the one concrete implementation
// this repository ships, backed by github.com/gorilla/websocket (the
// teacher's own transport dependency).
package transport

import "context"

// Stream is one ordered, reliable byte-stream substream to a peer.
// Implementations must serialize concurrent Write calls themselves;
// callers (internal/session) already serialize writes per client, but
// a Stream must not corrupt output if that invariant is ever
// violated.
type Stream interface {
	Write(payload []byte) error
	Close() error
}

// Provider opens dedicated proximity substreams to peers on demand.
// spec.md §4.5: "On first outbound data, the layer requests a
// dedicated proximity substream from the transport. If acquisition
// fails, retry with a bounded backoff."
type Provider interface {
	OpenSubstream(ctx context.Context, peer string) (Stream, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, peer string) (Stream, error)

// OpenSubstream implements Provider for ProviderFunc.
func (f ProviderFunc) OpenSubstream(ctx context.Context, peer string) (Stream, error) {
	return f(ctx, peer)
}
