// Package cdp implements the transport and command correlator for the
// Chrome DevTools Protocol: one websocket to the browser's debug endpoint,
// concurrent commands matched to responses by id, and event frames fanned
// out to subscribers by (method, sessionId).
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

type result struct {
	data json.RawMessage
	err  error
}

type topicKey struct {
	method    string
	sessionID string
}

// EventStream delivers event payloads for one (method, sessionId) topic in
// FIFO order. Each stream buffers independently so a slow subscriber never
// stalls the reader loop and never loses events. C is closed when the
// stream or the connection closes.
type EventStream struct {
	C chan json.RawMessage

	conn *Conn
	key  topicKey

	mu    sync.Mutex
	queue []json.RawMessage
	wake  chan struct{}
	done  chan struct{}

	closed sync.Once
}

// Close unsubscribes the stream. Safe to call more than once.
func (s *EventStream) Close() {
	s.conn.closeStream(s)
}

// push queues one payload. Never blocks; called from the reader loop.
func (s *EventStream) push(p json.RawMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump feeds C from the queue on its own goroutine, preserving FIFO order.
// It owns closing C: after done, nothing else touches the channel.
func (s *EventStream) pump() {
	for {
		s.mu.Lock()
		var p json.RawMessage
		var have bool
		if len(s.queue) > 0 {
			p, have = s.queue[0], true
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				close(s.C)
				return
			}
		}

		select {
		case s.C <- p:
		case <-s.done:
			close(s.C)
			return
		}
	}
}

// Conn owns the single duplex connection to the browser debug endpoint.
// Writes are serialized through a mutex; reads happen on one background
// loop that resolves pending commands and dispatches events.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]chan result

	subsMu sync.RWMutex
	subs   map[topicKey][]*EventStream

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the browser debug endpoint. An http(s) URL is resolved to
// the browser websocket via /json/version first.
func Connect(ctx context.Context, endpoint string) (*Conn, error) {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		var err error
		wsURL, err = discoverWebSocketURL(ctx, endpoint)
		if err != nil {
			return nil, err
		}
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}

	c := &Conn{
		ws:      ws,
		pending: make(map[int64]chan result),
		subs:    make(map[topicKey][]*EventStream),
		done:    make(chan struct{}),
	}

	go c.readLoop()

	L_debug("cdp: connected", "url", wsURL)
	return c, nil
}

// discoverWebSocketURL asks a running browser's http endpoint for its
// websocket debugger URL
func discoverWebSocketURL(ctx context.Context, httpURL string) (string, error) {
	versionURL := strings.TrimSuffix(httpURL, "/") + "/json/version"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", fmt.Errorf("cdp: build discovery request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cdp: endpoint discovery: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("cdp: read discovery response: %w", err)
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &version); err != nil || version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("cdp: no webSocketDebuggerUrl at %s", versionURL)
	}

	return version.WebSocketDebuggerURL, nil
}

// Send issues one command and blocks the caller (only) until the matching
// response arrives, the ctx deadline elapses, or the connection closes.
// Each command gets exactly one resolution.
func (c *Conn) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal %s params: %w", method, err)
		}
		rawParams = data
	}

	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan result, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	f := frame{ID: id, Method: method, Params: rawParams, SessionID: sessionID}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(f)
	c.writeMu.Unlock()

	if err != nil {
		c.dropPending(id)
		c.shutdown(err)
		return nil, ErrConnectionClosed
	}

	L_trace("cdp: sent", "id", id, "method", method, "sessionID", sessionID)

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Call is Send plus result unmarshaling. out may be nil.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, out any) error {
	data, err := c.Send(ctx, sessionID, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("unmarshal %s result: %v", method, err), Raw: data}
	}
	return nil
}

// Subscribe registers for event frames matching (method, sessionId).
// An empty sessionID matches browser-level events.
func (c *Conn) Subscribe(method, sessionID string) *EventStream {
	s := &EventStream{
		C:    make(chan json.RawMessage),
		conn: c,
		key:  topicKey{method: method, sessionID: sessionID},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()

	c.subsMu.Lock()
	c.subs[s.key] = append(c.subs[s.key], s)
	c.subsMu.Unlock()

	return s
}

// closeStream removes and closes a stream under the subscriber lock so it
// can never race an in-progress dispatch or shutdown.
func (c *Conn) closeStream(s *EventStream) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	streams := c.subs[s.key]
	for i, cand := range streams {
		if cand == s {
			c.subs[s.key] = append(streams[:i], streams[i+1:]...)
			if len(c.subs[s.key]) == 0 {
				delete(c.subs, s.key)
			}
			break
		}
	}
	s.closed.Do(func() { close(s.done) })
}

func (c *Conn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop is the single reader: it parses incoming frames and fans them
// out without blocking on any subscriber.
func (c *Conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			L_warn("cdp: dropping malformed frame", "error", err, "bytes", len(msg))
			continue
		}

		switch {
		case f.ID != 0:
			c.resolve(&f)
		case f.Method != "":
			c.dispatch(&f)
		default:
			L_warn("cdp: frame with neither id nor method", "bytes", len(msg))
		}
	}
}

// resolve completes the pending command matching the frame id.
// Late replies for ids freed by a timeout are discarded here.
func (c *Conn) resolve(f *frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		L_debug("cdp: discarding late reply", "id", f.ID)
		return
	}

	if f.Error != nil {
		ch <- result{err: f.Error}
		return
	}
	ch <- result{data: f.Result}
}

// dispatch routes an event frame to every matching stream. A frame with a
// sessionId but no subscriber is dropped: the subscription may have raced
// a detach, which is not an error.
func (c *Conn) dispatch(f *frame) {
	key := topicKey{method: f.Method, sessionID: f.SessionID}

	// Pushes stay under the read lock: they never block, and holding it
	// excludes a concurrent unsubscribe or shutdown.
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for _, s := range c.subs[key] {
		s.push(f.Params)
	}
}

// shutdown fails all pending commands and closes every stream exactly once
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			ch <- result{err: ErrConnectionClosed}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.subsMu.Lock()
		for key, streams := range c.subs {
			for _, s := range streams {
				s.closed.Do(func() { close(s.done) })
			}
			delete(c.subs, key)
		}
		c.subsMu.Unlock()

		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			L_debug("cdp: connection closed", "cause", cause)
		}
	})
}

// Close tears down the connection. Pending commands resolve with
// ErrConnectionClosed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}
