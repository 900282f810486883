// Package watchdog holds the background guards that run alongside a
// browser session: crash tracking, storage-state persistence, and orderly
// teardown. Watchdogs react to bus events, never poll the browser on their
// own, and check their cheap preconditions before issuing any command.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/webclaw/internal/bus"
	"github.com/roelfdiedericks/webclaw/internal/config"
	. "github.com/roelfdiedericks/webclaw/internal/logging"
	"github.com/roelfdiedericks/webclaw/internal/target"
)

// Crash records crashed targets so callers can skip them. A crash is never
// fatal to the session; the browser keeps serving the other targets.
type Crash struct {
	b     *bus.Bus
	subID bus.SubscriptionID

	mu      sync.Mutex
	crashed map[string]string // target id -> status
}

func NewCrash(b *bus.Bus) *Crash {
	c := &Crash{b: b, crashed: make(map[string]string)}
	c.subID = b.Subscribe(target.TopicCrashed, c.onCrashed)
	return c
}

func (c *Crash) onCrashed(ev bus.Event) {
	crash, ok := ev.Data.(target.CrashedEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	c.crashed[crash.TargetID] = crash.Status
	c.mu.Unlock()

	L_error("watchdog: target crashed", "target", crash.TargetID, "status", crash.Status)
}

// Crashed reports whether a target has crashed, and its status
func (c *Crash) Crashed(targetID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.crashed[targetID]
	return status, ok
}

func (c *Crash) Stop() {
	c.b.Unsubscribe(c.subID)
}

// StateCapturer produces the current storage snapshot
type StateCapturer interface {
	StorageState(ctx context.Context) (*target.StorageState, error)
}

// StorageOptions configure the persistence watchdog
type StorageOptions struct {
	Path       string        // destination file, empty disables persistence
	Schedule   string        // cron spec for periodic flushes, empty disables
	MaxBackups int           // rotated copies of the destination
	Timeout    time.Duration // per-flush deadline, default 10s
}

// Storage persists storage state as JSON after navigations and on a
// schedule. The destination-path check runs before any capture command so
// a disabled watchdog costs nothing.
type Storage struct {
	b     *bus.Bus
	cap   StateCapturer
	opts  StorageOptions
	cron  *cron.Cron
	subID bus.SubscriptionID
}

func NewStorage(b *bus.Bus, capturer StateCapturer, opts StorageOptions) *Storage {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Storage{b: b, cap: capturer, opts: opts}
}

// Start subscribes to navigation events and arms the flush schedule
func (s *Storage) Start() error {
	s.subID = s.b.Subscribe(target.TopicNavigated, func(ev bus.Event) {
		if err := s.Flush(context.Background()); err != nil {
			L_warn("watchdog: post-navigation flush failed", "error", err)
		}
	})

	if s.opts.Schedule != "" && s.opts.Path != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(s.opts.Schedule, func() {
			if err := s.Flush(context.Background()); err != nil {
				L_warn("watchdog: scheduled flush failed", "error", err)
			}
		})
		if err != nil {
			s.b.Unsubscribe(s.subID)
			return err
		}
		s.cron.Start()
		L_debug("watchdog: storage flush scheduled", "schedule", s.opts.Schedule, "path", s.opts.Path)
	}
	return nil
}

// Flush captures the storage state and writes it. With no destination path
// configured it returns immediately, before any capture command is sent.
func (s *Storage) Flush(ctx context.Context) error {
	if s.opts.Path == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	state, err := s.cap.StorageState(ctx)
	if err != nil {
		return err
	}
	if err := config.BackupAndWriteJSON(s.opts.Path, state, s.opts.MaxBackups); err != nil {
		return err
	}

	L_debug("watchdog: storage state persisted", "path", s.opts.Path, "cookies", len(state.Cookies))
	return nil
}

func (s *Storage) Stop() {
	s.b.Unsubscribe(s.subID)
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Teardown drains the bus on shutdown: wait for in-flight handlers, then
// detach everything. A bus that will not go idle is reported, not waited
// on forever.
type Teardown struct {
	b       *bus.Bus
	timeout time.Duration
}

func NewTeardown(b *bus.Bus, timeout time.Duration) *Teardown {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Teardown{b: b, timeout: timeout}
}

// Shutdown drains and stops the bus, logging any events still pending
func (t *Teardown) Shutdown() {
	pending, ok := t.b.WaitUntilIdle(t.timeout)
	if !ok {
		L_warn("watchdog: bus not idle at shutdown", "pending", pending)
	}
	t.b.Stop(true, t.timeout)
	L_debug("watchdog: bus stopped")
}
