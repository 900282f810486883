package target

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/roelfdiedericks/webclaw/internal/bus"
	"github.com/roelfdiedericks/webclaw/internal/cdp"
	"github.com/roelfdiedericks/webclaw/internal/cdp/cdptest"
)

const testSessionID = "SESSION-1"

// fixture wires a fake browser, a connection, a bus, and a manager
type fixture struct {
	srv  *cdptest.Server
	conn *cdp.Conn
	bus  *bus.Bus
	mgr  *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	srv := cdptest.New()
	t.Cleanup(srv.Close)

	srv.Handle("Target.attachToTarget", func(req cdptest.Request) (any, error) {
		return map[string]string{"sessionId": testSessionID}, nil
	})
	srv.Handle("Page.getFrameTree", func(req cdptest.Request) (any, error) {
		return map[string]any{
			"frameTree": map[string]any{
				"frame": map[string]any{"id": "FRAME-MAIN", "url": "about:blank"},
			},
		}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := cdp.Connect(ctx, srv.URL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	b := bus.New()
	t.Cleanup(func() { b.Stop(true, time.Second) })

	mgr, err := NewManager(ctx, conn, b, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	return &fixture{srv: srv, conn: conn, bus: b, mgr: mgr}
}

// attach announces a target and attaches a session to it
func (f *fixture) attach(t *testing.T) *Session {
	t.Helper()

	f.srv.Emit("Target.targetCreated", map[string]any{
		"targetInfo": map[string]any{"targetId": "T1", "type": "page", "url": "about:blank"},
	}, "")
	waitFor(t, func() bool {
		_, ok := f.mgr.Lookup("T1")
		return ok
	})

	sess, err := f.mgr.Attach(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return sess
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

func TestManagerTracksDiscoveredTargets(t *testing.T) {
	f := newFixture(t, Options{})

	f.srv.Emit("Target.targetCreated", map[string]any{
		"targetInfo": map[string]any{"targetId": "T9", "type": "page", "url": "https://example.com", "title": "Example"},
	}, "")

	waitFor(t, func() bool {
		info, ok := f.mgr.Lookup("T9")
		return ok && info.State == StateDiscovered && info.URL == "https://example.com"
	})
}

func TestAttachEnablesDomainsAndReadsFrameTree(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.attach(t)

	if sess.SessionID() != testSessionID {
		t.Errorf("session id = %q", sess.SessionID())
	}
	if sess.Generation() != 1 {
		t.Errorf("initial generation = %d, want 1", sess.Generation())
	}
	if info, _ := f.mgr.Lookup("T1"); info.State != StateAttached {
		t.Errorf("state = %q, want attached", info.State)
	}

	seen := map[string]bool{}
	for _, req := range f.srv.Requests() {
		if req.SessionID == testSessionID {
			seen[req.Method] = true
		}
	}
	for _, m := range []string{"Page.enable", "Runtime.enable", "DOM.enable", "Page.getFrameTree"} {
		if !seen[m] {
			t.Errorf("%s never sent on session", m)
		}
	}
}

func TestConcurrentAttachSharesOneSession(t *testing.T) {
	f := newFixture(t, Options{})

	f.srv.Emit("Target.targetCreated", map[string]any{
		"targetInfo": map[string]any{"targetId": "T1", "type": "page", "url": "about:blank"},
	}, "")
	waitFor(t, func() bool {
		_, ok := f.mgr.Lookup("T1")
		return ok
	})

	const n = 4
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.mgr.Attach(context.Background(), "T1")
			if err != nil {
				t.Errorf("Attach: %v", err)
				return
			}
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("attach %d returned a different session", i)
		}
	}

	attaches := 0
	for _, req := range f.srv.Requests() {
		if req.Method == "Target.attachToTarget" {
			attaches++
		}
	}
	if attaches != 1 {
		t.Errorf("attachToTarget sent %d times, want 1", attaches)
	}
}

func TestNavigateWaitsForLoadEvent(t *testing.T) {
	f := newFixture(t, Options{})

	f.srv.Handle("Page.navigate", func(req cdptest.Request) (any, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.srv.Emit("Page.frameNavigated", map[string]any{
				"frame": map[string]any{"id": "FRAME-MAIN", "url": "https://example.com/"},
			}, testSessionID)
			f.srv.Emit("Page.loadEventFired", map[string]any{"timestamp": 1.0}, testSessionID)
		}()
		return map[string]string{"frameId": "FRAME-MAIN"}, nil
	})

	sess := f.attach(t)
	if err := sess.Navigate(context.Background(), "https://example.com/"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	waitFor(t, func() bool { return sess.Generation() == 2 })
	if sess.URL() != "https://example.com/" {
		t.Errorf("url = %q", sess.URL())
	}
}

func TestNavigateTimeoutLeavesSessionUsable(t *testing.T) {
	f := newFixture(t, Options{NavigateTimeout: 50 * time.Millisecond})

	// Navigation accepted but load never fires
	f.srv.Handle("Page.navigate", func(req cdptest.Request) (any, error) {
		return map[string]string{"frameId": "FRAME-MAIN"}, nil
	})
	f.srv.Handle("Runtime.evaluate", func(req cdptest.Request) (any, error) {
		return map[string]any{"result": map[string]any{"type": "string", "value": "interactive"}}, nil
	})

	sess := f.attach(t)

	err := sess.Navigate(context.Background(), "https://slow.example.com/")
	if !errors.Is(err, ErrNavigateTimeout) {
		t.Fatalf("err = %v, want ErrNavigateTimeout", err)
	}

	// Session must still answer evaluate after the timeout
	raw, err := sess.Evaluate(context.Background(), "document.readyState")
	if err != nil {
		t.Fatalf("Evaluate after timeout: %v", err)
	}
	if string(raw) != `"interactive"` {
		t.Errorf("readyState = %s", raw)
	}
}

func TestNavigateBrowserRefusalIsNavigationError(t *testing.T) {
	f := newFixture(t, Options{})

	f.srv.Handle("Page.navigate", func(req cdptest.Request) (any, error) {
		return map[string]string{"frameId": "FRAME-MAIN", "errorText": "net::ERR_NAME_NOT_RESOLVED"}, nil
	})

	sess := f.attach(t)

	err := sess.Navigate(context.Background(), "https://no-such-host.example/")
	var navErr *NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("err = %v, want *NavigationError", err)
	}
	if errors.Is(err, ErrNavigateTimeout) {
		t.Error("browser refusal must not look like a timeout")
	}
	if navErr.Reason != "net::ERR_NAME_NOT_RESOLVED" {
		t.Errorf("reason = %q", navErr.Reason)
	}
}

func TestSubframeNavigationDoesNotBumpGeneration(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.attach(t)

	f.srv.Emit("Page.frameNavigated", map[string]any{
		"frame": map[string]any{"id": "FRAME-CHILD", "parentId": "FRAME-MAIN", "url": "https://ads.example.com/"},
	}, testSessionID)

	time.Sleep(50 * time.Millisecond)
	if got := sess.Generation(); got != 1 {
		t.Errorf("generation = %d after subframe navigation, want 1", got)
	}

	f.srv.Emit("Page.frameNavigated", map[string]any{
		"frame": map[string]any{"id": "FRAME-MAIN", "url": "https://example.com/next"},
	}, testSessionID)
	waitFor(t, func() bool { return sess.Generation() == 2 })
}

func TestNavigationPublishesBusEvent(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t)

	var got atomic.Value
	f.bus.Subscribe(TopicNavigated, func(ev bus.Event) {
		got.Store(ev.Data.(NavigatedEvent))
	})

	f.srv.Emit("Page.frameNavigated", map[string]any{
		"frame": map[string]any{"id": "FRAME-MAIN", "url": "https://example.com/a"},
	}, testSessionID)

	waitFor(t, func() bool { return got.Load() != nil })
	ev := got.Load().(NavigatedEvent)
	if ev.TargetID != "T1" || ev.URL != "https://example.com/a" || ev.Generation != 2 {
		t.Errorf("event = %+v", ev)
	}
}

func TestCrashEventMarksTargetAndPublishes(t *testing.T) {
	f := newFixture(t, Options{})
	f.attach(t)

	var crashed atomic.Value
	f.bus.Subscribe(TopicCrashed, func(ev bus.Event) {
		crashed.Store(ev.Data.(CrashedEvent))
	})

	f.srv.Emit("Target.targetCrashed", map[string]any{"targetId": "T1", "status": "oom"}, "")

	waitFor(t, func() bool { return crashed.Load() != nil })
	if ev := crashed.Load().(CrashedEvent); ev.Status != "oom" {
		t.Errorf("event = %+v", ev)
	}
	info, _ := f.mgr.Lookup("T1")
	if info.State != StateCrashed {
		t.Errorf("state = %q, want crashed", info.State)
	}
}

func TestDestroyedTargetFailsLaterCommands(t *testing.T) {
	f := newFixture(t, Options{})
	sess := f.attach(t)

	f.srv.Emit("Target.targetDestroyed", map[string]any{"targetId": "T1"}, "")
	waitFor(t, sess.Closed)

	_, err := sess.Evaluate(context.Background(), "1+1")
	if !errors.Is(err, ErrTargetClosed) {
		t.Errorf("err = %v, want ErrTargetClosed", err)
	}

	info, _ := f.mgr.Lookup("T1")
	if info.State != StateClosed {
		t.Errorf("state = %q, want closed", info.State)
	}
}

func TestEvaluateThrowReturnsEvaluationError(t *testing.T) {
	f := newFixture(t, Options{})

	f.srv.Handle("Runtime.evaluate", func(req cdptest.Request) (any, error) {
		return map[string]any{
			"result": map[string]any{"type": "object", "subtype": "error"},
			"exceptionDetails": map[string]any{
				"text":      "Uncaught",
				"exception": map[string]any{"description": "ReferenceError: nope is not defined"},
			},
		}, nil
	})

	sess := f.attach(t)

	_, err := sess.Evaluate(context.Background(), "nope()")
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if evalErr.Message != "ReferenceError: nope is not defined" {
		t.Errorf("message = %q", evalErr.Message)
	}
}

func TestNavigateBlockedURLNeverReachesBrowser(t *testing.T) {
	f := newFixture(t, Options{ValidateURLs: true})
	sess := f.attach(t)

	err := sess.Navigate(context.Background(), "http://169.254.169.254/latest/meta-data/")
	var safety *URLSafetyError
	if !errors.As(err, &safety) {
		t.Fatalf("err = %v, want *URLSafetyError", err)
	}

	for _, req := range f.srv.Requests() {
		if req.Method == "Page.navigate" {
			t.Fatal("Page.navigate was sent for a blocked URL")
		}
	}
}

func TestStorageStateCapturesCookiesAndWebStorage(t *testing.T) {
	f := newFixture(t, Options{})

	f.srv.Handle("Storage.getCookies", func(req cdptest.Request) (any, error) {
		return map[string]any{"cookies": []map[string]any{
			{"name": "sid", "value": "abc123", "domain": "example.com", "path": "/", "httpOnly": true},
		}}, nil
	})
	f.srv.Handle("Runtime.evaluate", func(req cdptest.Request) (any, error) {
		return map[string]any{"result": map[string]any{
			"type":  "string",
			"value": `{"local":{"theme":"dark"},"session":{"step":"2"}}`,
		}}, nil
	})

	sess := f.attach(t)

	state, err := sess.StorageState(context.Background())
	if err != nil {
		t.Fatalf("StorageState: %v", err)
	}
	if len(state.Cookies) != 1 || state.Cookies[0].Name != "sid" || !state.Cookies[0].HTTPOnly {
		t.Errorf("cookies = %+v", state.Cookies)
	}
	if state.LocalStorage["theme"] != "dark" {
		t.Errorf("localStorage = %+v", state.LocalStorage)
	}
	if state.SessionStorage["step"] != "2" {
		t.Errorf("sessionStorage = %+v", state.SessionStorage)
	}
}

func TestScreenshotReturnsDecodedBytes(t *testing.T) {
	f := newFixture(t, Options{})

	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	f.srv.Handle("Page.captureScreenshot", func(req cdptest.Request) (any, error) {
		return map[string]string{"data": base64.StdEncoding.EncodeToString(payload)}, nil
	})

	sess := f.attach(t)

	data, err := sess.Screenshot(context.Background(), "jpeg")
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("data = %x", data)
	}

	if _, err := sess.Screenshot(context.Background(), "webp"); err == nil {
		t.Error("unsupported format accepted")
	}
}

func TestDownscaleShrinksWideCaptures(t *testing.T) {
	wide := image.NewRGBA(image.Rect(0, 0, 400, 100))
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, wide, imaging.PNG); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	out, err := downscale(buf.Bytes(), "png", 200, 80)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if w := img.Bounds().Dx(); w != 200 {
		t.Errorf("width = %d, want 200", w)
	}
	if h := img.Bounds().Dy(); h != 50 {
		t.Errorf("height = %d, want 50", h)
	}

	// Narrow images pass through untouched
	same, err := downscale(buf.Bytes(), "png", 800, 80)
	if err != nil {
		t.Fatalf("downscale narrow: %v", err)
	}
	if !bytes.Equal(same, buf.Bytes()) {
		t.Error("narrow image was re-encoded")
	}
}
