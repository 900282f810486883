// Package target tracks browser targets discovered over the DevTools
// protocol and manages attached page sessions. Target lifecycle events are
// republished on the session bus so watchdogs can react without holding
// references into this package.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/webclaw/internal/bus"
	"github.com/roelfdiedericks/webclaw/internal/cdp"
	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

// Bus topics published by the manager and its sessions
const (
	TopicNavigated = "target.navigated"
	TopicCrashed   = "target.crashed"
	TopicClosed    = "target.closed"
)

// NavigatedEvent is the payload for TopicNavigated
type NavigatedEvent struct {
	TargetID   string
	URL        string
	Generation int64
}

// CrashedEvent is the payload for TopicCrashed
type CrashedEvent struct {
	TargetID string
	Status   string
}

// ClosedEvent is the payload for TopicClosed
type ClosedEvent struct {
	TargetID string
}

// State is a target's position in its lifecycle
type State string

const (
	StateDiscovered State = "discovered"
	StateAttaching  State = "attaching"
	StateAttached   State = "attached"
	StateNavigating State = "navigating"
	StateCrashed    State = "crashed"
	StateClosed     State = "closed"
)

// Info is a point-in-time view of one target
type Info struct {
	ID    string
	Type  string
	URL   string
	Title string
	State State
}

// Options tune session behavior. Zero values get defaults.
type Options struct {
	NavigateTimeout    time.Duration // load-event wait, default 30s
	OpTimeout          time.Duration // per-command default, default 5s
	ValidateURLs       bool          // SSRF checks before navigation
	ScreenshotFormat   string        // "jpeg" (default) or "png"
	ScreenshotQuality  int           // jpeg quality, default 80
	ScreenshotMaxWidth int           // downscale wider captures, 0 = no limit
}

func (o Options) withDefaults() Options {
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.ScreenshotFormat == "" {
		o.ScreenshotFormat = "jpeg"
	}
	if o.ScreenshotQuality <= 0 {
		o.ScreenshotQuality = 80
	}
	return o
}

// targetInfo mirrors the protocol's Target.TargetInfo
type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

// Manager owns the target registry for one browser connection
type Manager struct {
	conn *cdp.Conn
	bus  *bus.Bus
	opts Options

	mu        sync.RWMutex
	targets   map[string]*Info
	sessions  map[string]*Session
	attaching map[string]chan struct{} // closed when the in-flight attach settles

	created   *cdp.EventStream
	changed   *cdp.EventStream
	destroyed *cdp.EventStream
	crashed   *cdp.EventStream

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager enables target discovery on the connection and starts tracking
func NewManager(ctx context.Context, conn *cdp.Conn, b *bus.Bus, opts Options) (*Manager, error) {
	m := &Manager{
		conn:     conn,
		bus:      b,
		opts:     opts.withDefaults(),
		targets:   make(map[string]*Info),
		sessions:  make(map[string]*Session),
		attaching: make(map[string]chan struct{}),
		done:      make(chan struct{}),
	}

	// Subscribe before enabling discovery so the initial targetCreated
	// burst is not lost
	m.created = conn.Subscribe("Target.targetCreated", "")
	m.changed = conn.Subscribe("Target.targetInfoChanged", "")
	m.destroyed = conn.Subscribe("Target.targetDestroyed", "")
	m.crashed = conn.Subscribe("Target.targetCrashed", "")

	err := conn.Call(ctx, "", "Target.setDiscoverTargets", map[string]bool{"discover": true}, nil)
	if err != nil {
		m.closeStreams()
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	go m.watch()
	return m, nil
}

func (m *Manager) closeStreams() {
	m.created.Close()
	m.changed.Close()
	m.destroyed.Close()
	m.crashed.Close()
}

func (m *Manager) watch() {
	for {
		select {
		case raw, ok := <-m.created.C:
			if !ok {
				return
			}
			m.onCreated(raw)
		case raw, ok := <-m.changed.C:
			if !ok {
				return
			}
			m.onChanged(raw)
		case raw, ok := <-m.destroyed.C:
			if !ok {
				return
			}
			m.onDestroyed(raw)
		case raw, ok := <-m.crashed.C:
			if !ok {
				return
			}
			m.onCrashed(raw)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) onCreated(raw json.RawMessage) {
	var p struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		L_warn("target: bad targetCreated payload", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.targets[p.TargetInfo.TargetID]; exists {
		return
	}
	m.targets[p.TargetInfo.TargetID] = &Info{
		ID:    p.TargetInfo.TargetID,
		Type:  p.TargetInfo.Type,
		URL:   p.TargetInfo.URL,
		Title: p.TargetInfo.Title,
		State: StateDiscovered,
	}
	L_debug("target: discovered", "id", p.TargetInfo.TargetID, "type", p.TargetInfo.Type, "url", p.TargetInfo.URL)
}

func (m *Manager) onChanged(raw json.RawMessage) {
	var p struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.targets[p.TargetInfo.TargetID]
	if !ok {
		return
	}
	info.URL = p.TargetInfo.URL
	info.Title = p.TargetInfo.Title
}

func (m *Manager) onDestroyed(raw json.RawMessage) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	m.mu.Lock()
	info, ok := m.targets[p.TargetID]
	if ok {
		info.State = StateClosed
	}
	sess := m.sessions[p.TargetID]
	delete(m.sessions, p.TargetID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if sess != nil {
		sess.markClosed()
	}
	L_info("target: closed", "id", p.TargetID)
	m.bus.Publish(TopicClosed, ClosedEvent{TargetID: p.TargetID})
}

func (m *Manager) onCrashed(raw json.RawMessage) {
	var p struct {
		TargetID string `json:"targetId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	m.mu.Lock()
	info, ok := m.targets[p.TargetID]
	if ok {
		info.State = StateCrashed
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	L_warn("target: crashed", "id", p.TargetID, "status", p.Status)
	m.bus.Publish(TopicCrashed, CrashedEvent{TargetID: p.TargetID, Status: p.Status})
}

// CreateTarget opens a new page target and returns its id. The target
// appears in the registry via the discovery event stream.
func (m *Manager) CreateTarget(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}
	if m.opts.ValidateURLs && url != "about:blank" {
		if err := ValidateURLSafety(url); err != nil {
			return "", err
		}
	}

	var res struct {
		TargetID string `json:"targetId"`
	}
	err := m.conn.Call(ctx, "", "Target.createTarget", map[string]string{"url": url}, &res)
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}

	// The discovery event usually lands first, but don't depend on it
	m.mu.Lock()
	if _, exists := m.targets[res.TargetID]; !exists {
		m.targets[res.TargetID] = &Info{ID: res.TargetID, Type: "page", URL: url, State: StateDiscovered}
	}
	m.mu.Unlock()

	return res.TargetID, nil
}

// ListTargets returns a snapshot of every known target
func (m *Manager) ListTargets() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.targets))
	for _, info := range m.targets {
		out = append(out, *info)
	}
	return out
}

// Lookup returns the current view of one target
func (m *Manager) Lookup(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.targets[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// CloseTarget asks the browser to close a target. The registry updates when
// the targetDestroyed event arrives.
func (m *Manager) CloseTarget(ctx context.Context, id string) error {
	err := m.conn.Call(ctx, "", "Target.closeTarget", map[string]string{"targetId": id}, nil)
	if err != nil {
		return fmt.Errorf("close target %s: %w", id, err)
	}
	return nil
}

// Attach opens a flat-protocol session on a target and returns it ready for
// navigation. Attaching a closed or crashed target is an error. Concurrent
// attaches to one target share a single session: whoever gets there first
// attaches, everyone else waits for that attempt to settle.
func (m *Manager) Attach(ctx context.Context, id string) (*Session, error) {
	var settle chan struct{}
	for {
		m.mu.Lock()
		info, ok := m.targets[id]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("attach: unknown target %s", id)
		}
		switch info.State {
		case StateClosed:
			m.mu.Unlock()
			return nil, fmt.Errorf("attach %s: %w", id, ErrTargetClosed)
		case StateCrashed:
			m.mu.Unlock()
			return nil, fmt.Errorf("attach %s: target crashed", id)
		}
		if sess, exists := m.sessions[id]; exists {
			m.mu.Unlock()
			return sess, nil
		}
		inFlight, waiting := m.attaching[id]
		if !waiting {
			settle = make(chan struct{})
			m.attaching[id] = settle
			info.State = StateAttaching
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		select {
		case <-inFlight:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	defer func() {
		m.mu.Lock()
		delete(m.attaching, id)
		m.mu.Unlock()
		close(settle)
	}()

	var res struct {
		SessionID string `json:"sessionId"`
	}
	err := m.conn.Call(ctx, "", "Target.attachToTarget",
		map[string]any{"targetId": id, "flatten": true}, &res)
	if err != nil {
		m.setState(id, StateDiscovered)
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}

	sess, err := newSession(ctx, m, id, res.SessionID)
	if err != nil {
		m.setState(id, StateDiscovered)
		return nil, err
	}

	m.mu.Lock()
	if info, ok := m.targets[id]; ok {
		info.State = StateAttached
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	L_info("target: attached", "id", id, "session", res.SessionID)
	return sess, nil
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.targets[id]; ok {
		info.State = s
	}
}

// Close stops discovery tracking and detaches local session state. It does
// not close browser targets.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.closeStreams()

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range sessions {
			s.markClosed()
		}
	})
}
