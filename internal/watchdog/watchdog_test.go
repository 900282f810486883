package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/webclaw/internal/bus"
	"github.com/roelfdiedericks/webclaw/internal/target"
)

type fakeCapturer struct {
	calls atomic.Int64
	err   error
}

func (f *fakeCapturer) StorageState(ctx context.Context) (*target.StorageState, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &target.StorageState{
		URL:          "https://example.com/",
		Cookies:      []target.Cookie{{Name: "sid", Value: "abc"}},
		LocalStorage: map[string]string{"theme": "dark"},
		CapturedAt:   time.Now().UTC(),
	}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCrashWatchdogMarksTargets(t *testing.T) {
	b := bus.New()
	defer b.Stop(true, time.Second)

	c := NewCrash(b)
	defer c.Stop()

	if _, ok := c.Crashed("T1"); ok {
		t.Fatal("target crashed before any event")
	}

	b.Publish(target.TopicCrashed, target.CrashedEvent{TargetID: "T1", Status: "oom"})

	waitFor(t, func() bool {
		_, ok := c.Crashed("T1")
		return ok
	})
	if status, _ := c.Crashed("T1"); status != "oom" {
		t.Errorf("status = %q", status)
	}
	if _, ok := c.Crashed("T2"); ok {
		t.Error("unrelated target marked crashed")
	}
}

func TestStorageFlushWithoutPathSkipsCapture(t *testing.T) {
	b := bus.New()
	defer b.Stop(true, time.Second)

	capturer := &fakeCapturer{}
	s := NewStorage(b, capturer, StorageOptions{Path: ""})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	b.Publish(target.TopicNavigated, target.NavigatedEvent{TargetID: "T1"})
	b.WaitUntilIdle(time.Second)

	if capturer.calls.Load() != 0 {
		t.Errorf("capture ran %d times with no destination path", capturer.calls.Load())
	}
}

func TestStorageFlushWritesState(t *testing.T) {
	b := bus.New()
	defer b.Stop(true, time.Second)

	path := filepath.Join(t.TempDir(), "storage.json")
	capturer := &fakeCapturer{}
	s := NewStorage(b, capturer, StorageOptions{Path: path, MaxBackups: 2})

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var state target.StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(state.Cookies) != 1 || state.Cookies[0].Name != "sid" {
		t.Errorf("cookies = %+v", state.Cookies)
	}
	if state.LocalStorage["theme"] != "dark" {
		t.Errorf("localStorage = %+v", state.LocalStorage)
	}
}

func TestStorageFlushesOnNavigation(t *testing.T) {
	b := bus.New()
	defer b.Stop(true, time.Second)

	path := filepath.Join(t.TempDir(), "storage.json")
	capturer := &fakeCapturer{}
	s := NewStorage(b, capturer, StorageOptions{Path: path})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	b.Publish(target.TopicNavigated, target.NavigatedEvent{TargetID: "T1", URL: "https://example.com/", Generation: 2})

	waitFor(t, func() bool { return capturer.calls.Load() == 1 })
	waitFor(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
}

func TestStorageCaptureErrorIsReturnedNotFatal(t *testing.T) {
	b := bus.New()
	defer b.Stop(true, time.Second)

	capturer := &fakeCapturer{err: errors.New("target closed")}
	s := NewStorage(b, capturer, StorageOptions{Path: filepath.Join(t.TempDir(), "storage.json")})

	if err := s.Flush(context.Background()); err == nil {
		t.Error("capture error swallowed")
	}
}

func TestStorageRejectsBadSchedule(t *testing.T) {
	b := bus.New()
	defer b.Stop(true, time.Second)

	s := NewStorage(b, &fakeCapturer{}, StorageOptions{
		Path:     filepath.Join(t.TempDir(), "storage.json"),
		Schedule: "not a cron spec",
	})
	if err := s.Start(); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestTeardownStopsBus(t *testing.T) {
	b := bus.New()

	done := make(chan struct{})
	b.Subscribe("work", func(ev bus.Event) {
		time.Sleep(20 * time.Millisecond)
		close(done)
	})
	b.Publish("work", nil)

	NewTeardown(b, time.Second).Shutdown()

	select {
	case <-done:
	default:
		t.Error("teardown did not wait for the in-flight handler")
	}
	if id := b.Subscribe("late", func(bus.Event) {}); id != 0 {
		t.Error("bus accepts subscriptions after teardown")
	}
}
