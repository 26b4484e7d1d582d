// Package session implements the Session Layer: per-client substream
// lifecycle, an outbound FIFO that never blocks the caller, bounded
// backoff on substream acquisition failure, and a partial-frame read
// path. Grounded on the teacher's per-connection write-queue-plus-flag
// pattern in `internal/net/ws` (a dedicated writer goroutine drained by
// a "write in progress" flag rather than a buffered channel, so
// ordering is exact and a full queue never silently drops data) and on
// original_source's `ProxStreamInfo` (outstanding queue, writing flag,
// substream retry).
package session

import (
	"context"
	"sync"
	"time"

	"orbitcut/server/internal/proto"
	"orbitcut/server/internal/telemetry"
	"orbitcut/server/internal/transport"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// FrameHandler is invoked once per complete inbound frame.
type FrameHandler func(client string, frame []byte)

// FailureHandler is invoked when a client's stream detaches, either
// because of an inbound parse error or because a write on an acquired
// stream failed. Substream acquisition failures are retried with
// backoff indefinitely and never invoke it.
type FailureHandler func(client string, err error)

// Client is one client's substream state.
type Client struct {
	id       string
	provider transport.Provider
	logger   telemetry.Logger

	mu        sync.Mutex
	stream    transport.Stream
	outbound  [][]byte
	writing   bool
	acquiring bool
	closed    bool
	backoff   time.Duration
	decoder   proto.Decoder

	onFrame   FrameHandler
	onFailure FailureHandler
}

// Send enqueues blob for delivery and never blocks the caller, per
// spec.md §4.5's contract. If no substream exists yet, one is
// requested; if acquisition is already in flight or backing off, the
// blob simply waits in the FIFO.
func (c *Client) Send(blob []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.outbound = append(c.outbound, blob)
	c.mu.Unlock()
	go c.pump()
}

// pump drives the write loop and substream acquisition. It is safe to
// call repeatedly; it only ever has one active writer or one active
// acquisition per client at a time.
func (c *Client) pump() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.stream == nil {
		if !c.acquiring {
			c.acquiring = true
			go c.acquire()
		}
		c.mu.Unlock()
		return
	}
	if c.writing || len(c.outbound) == 0 {
		c.mu.Unlock()
		return
	}
	c.writing = true
	blob := c.outbound[0]
	c.outbound = c.outbound[1:]
	stream := c.stream
	c.mu.Unlock()

	if err := stream.Write(blob); err != nil {
		c.mu.Lock()
		c.writing = false
		c.stream = nil
		c.outbound = append([][]byte{blob}, c.outbound...)
		c.mu.Unlock()
		if c.onFailure != nil {
			c.onFailure(c.id, err)
		}
		c.pump()
		return
	}

	c.mu.Lock()
	c.writing = false
	c.mu.Unlock()
	c.pump()
}

func (c *Client) acquire() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := c.provider.OpenSubstream(ctx, c.id)

	c.mu.Lock()
	c.acquiring = false
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		backoff := c.backoff
		if backoff == 0 {
			backoff = initialBackoff
		} else {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		c.backoff = backoff
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Printf("session %s: substream acquisition failed, retrying in %s: %v", c.id, backoff, err)
		}
		time.AfterFunc(backoff, c.pump)
		return
	}
	c.stream = stream
	c.backoff = 0
	c.mu.Unlock()
	c.pump()
}

// Feed delivers newly received bytes, buffering partial frames and
// dispatching every complete one via the client's FrameHandler. A
// malformed length prefix detaches the stream and reports a
// session-level failure, per spec.md §4.5.
func (c *Client) Feed(chunk []byte) {
	frames, err := c.decoder.Feed(chunk)
	for _, f := range frames {
		if c.onFrame != nil {
			c.onFrame(c.id, f)
		}
	}
	if err != nil {
		c.Close()
		if c.onFailure != nil {
			c.onFailure(c.id, err)
		}
	}
}

// Close disables the stream and drops queued data, per spec.md §4.5's
// on_close contract.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	c.stream = nil
	c.outbound = nil
	c.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// Manager owns every connected client's session state.
type Manager struct {
	provider transport.Provider
	logger   telemetry.Logger

	onFrame   FrameHandler
	onFailure FailureHandler

	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager constructs a session Manager.
func NewManager(provider transport.Provider, logger telemetry.Logger, onFrame FrameHandler, onFailure FailureHandler) *Manager {
	return &Manager{
		provider:  provider,
		logger:    logger,
		onFrame:   onFrame,
		onFailure: onFailure,
		clients:   make(map[string]*Client),
	}
}

// Open registers a new client session, or returns the existing one if
// already open.
func (m *Manager) Open(id string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[id]; ok {
		return c
	}
	c := &Client{
		id:        id,
		provider:  m.provider,
		logger:    m.logger,
		onFrame:   m.onFrame,
		onFailure: m.onFailure,
	}
	m.clients[id] = c
	return c
}

// Client returns a previously opened client, if any.
func (m *Manager) Client(id string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// Close tears down and forgets a client's session.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}
