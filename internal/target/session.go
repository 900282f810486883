package target

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/roelfdiedericks/webclaw/internal/cdp"
	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

// Session is an attached page target. All protocol traffic for the page
// flows through Call with the session id attached.
//
// A navigation generation counter increments exactly once per top-level
// document replacement. Anything derived from the page (element handles,
// framework detection, DOM index maps) carries the generation it was built
// under and becomes stale when the counter moves.
type Session struct {
	mgr  *Manager
	conn *cdp.Conn
	opts Options

	targetID    string
	sessionID   string
	mainFrameID string

	generation atomic.Int64

	urlMu sync.RWMutex
	url   string

	frameNav *cdp.EventStream

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(ctx context.Context, m *Manager, targetID, sessionID string) (*Session, error) {
	s := &Session{
		mgr:       m,
		conn:      m.conn,
		opts:      m.opts,
		targetID:  targetID,
		sessionID: sessionID,
		closed:    make(chan struct{}),
	}
	s.generation.Store(1)

	if err := s.Call(ctx, "Page.enable", nil, nil); err != nil {
		return nil, fmt.Errorf("enable page domain: %w", err)
	}
	if err := s.Call(ctx, "Runtime.enable", nil, nil); err != nil {
		return nil, fmt.Errorf("enable runtime domain: %w", err)
	}
	if err := s.Call(ctx, "DOM.enable", nil, nil); err != nil {
		return nil, fmt.Errorf("enable dom domain: %w", err)
	}

	var tree struct {
		FrameTree struct {
			Frame struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := s.Call(ctx, "Page.getFrameTree", nil, &tree); err != nil {
		return nil, fmt.Errorf("read frame tree: %w", err)
	}
	s.mainFrameID = tree.FrameTree.Frame.ID
	s.url = tree.FrameTree.Frame.URL

	s.frameNav = s.conn.Subscribe("Page.frameNavigated", sessionID)
	go s.watchNavigation()

	return s, nil
}

// watchNavigation bumps the generation on main-frame document replacement.
// Subframe navigations never touch the counter.
func (s *Session) watchNavigation() {
	for {
		select {
		case raw, ok := <-s.frameNav.C:
			if !ok {
				return
			}
			var p struct {
				Frame struct {
					ID       string `json:"id"`
					ParentID string `json:"parentId"`
					URL      string `json:"url"`
				} `json:"frame"`
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				continue
			}
			if p.Frame.ParentID != "" && p.Frame.ID != s.mainFrameID {
				continue
			}

			gen := s.generation.Add(1)
			s.urlMu.Lock()
			s.url = p.Frame.URL
			s.urlMu.Unlock()

			L_debug("target: main frame navigated", "target", s.targetID, "url", p.Frame.URL, "generation", gen)
			s.mgr.bus.Publish(TopicNavigated, NavigatedEvent{
				TargetID:   s.targetID,
				URL:        p.Frame.URL,
				Generation: gen,
			})
		case <-s.closed:
			return
		}
	}
}

// TargetID returns the opaque target id this session is attached to
func (s *Session) TargetID() string { return s.targetID }

// SessionID returns the protocol session id
func (s *Session) SessionID() string { return s.sessionID }

// Generation returns the current navigation generation
func (s *Session) Generation() int64 { return s.generation.Load() }

// URL returns the last known main-frame URL
func (s *Session) URL() string {
	s.urlMu.RLock()
	defer s.urlMu.RUnlock()
	return s.url
}

// Closed reports whether the session has been torn down
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Call sends one protocol command scoped to this session. Commands against
// a closed session resolve ErrTargetClosed; timeouts pass through unchanged.
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	select {
	case <-s.closed:
		return fmt.Errorf("%s: %w", method, ErrTargetClosed)
	default:
	}

	err := s.conn.Call(ctx, s.sessionID, method, params, out)
	if err == nil {
		return nil
	}

	// A target closing under an in-flight command surfaces as a protocol
	// error for the dead session; report the closure, not the symptom
	if s.Closed() && !errors.Is(err, cdp.ErrTimeout) {
		return fmt.Errorf("%s: %w", method, ErrTargetClosed)
	}
	return err
}

// withTimeout applies a default deadline when the caller set none
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// Navigate loads a URL in the main frame and waits for the load event.
// A refused navigation returns *NavigationError. A load that does not
// finish in time returns ErrNavigateTimeout; the session remains usable and
// the caller can poll document.readyState.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.opts.ValidateURLs {
		if err := ValidateURLSafety(url); err != nil {
			return err
		}
	}

	ctx, cancel := withTimeout(ctx, s.opts.NavigateTimeout)
	defer cancel()

	s.mgr.setState(s.targetID, StateNavigating)
	defer s.mgr.setState(s.targetID, StateAttached)

	// Subscribe before issuing the command so a fast load is not missed
	load := s.conn.Subscribe("Page.loadEventFired", s.sessionID)
	defer load.Close()

	var res struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := s.Call(ctx, "Page.navigate", map[string]string{"url": url}, &res); err != nil {
		if errors.Is(err, cdp.ErrTimeout) {
			return fmt.Errorf("navigate %s: %w", url, ErrNavigateTimeout)
		}
		return err
	}
	if res.ErrorText != "" {
		return &NavigationError{URL: url, Reason: res.ErrorText}
	}

	return s.waitLoad(ctx, load, url)
}

func (s *Session) waitLoad(ctx context.Context, load *cdp.EventStream, url string) error {
	select {
	case _, ok := <-load.C:
		if !ok {
			return fmt.Errorf("navigate %s: %w", url, ErrTargetClosed)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			L_warn("target: load event timeout", "target", s.targetID, "url", url)
			return fmt.Errorf("navigate %s: %w", url, ErrNavigateTimeout)
		}
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("navigate %s: %w", url, ErrTargetClosed)
	}
}

// historyStep moves by delta through the session history. Stepping past
// either end is a no-op, matching browser back/forward buttons.
func (s *Session) historyStep(ctx context.Context, delta int) error {
	ctx, cancel := withTimeout(ctx, s.opts.NavigateTimeout)
	defer cancel()

	var hist struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID  int    `json:"id"`
			URL string `json:"url"`
		} `json:"entries"`
	}
	if err := s.Call(ctx, "Page.getNavigationHistory", nil, &hist); err != nil {
		return err
	}

	idx := hist.CurrentIndex + delta
	if idx < 0 || idx >= len(hist.Entries) {
		return nil
	}

	load := s.conn.Subscribe("Page.loadEventFired", s.sessionID)
	defer load.Close()

	err := s.Call(ctx, "Page.navigateToHistoryEntry",
		map[string]int{"entryId": hist.Entries[idx].ID}, nil)
	if err != nil {
		return err
	}
	return s.waitLoad(ctx, load, hist.Entries[idx].URL)
}

// Back navigates one entry back in session history
func (s *Session) Back(ctx context.Context) error { return s.historyStep(ctx, -1) }

// Forward navigates one entry forward in session history
func (s *Session) Forward(ctx context.Context) error { return s.historyStep(ctx, 1) }

// Reload reloads the current document and waits for the load event
func (s *Session) Reload(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.opts.NavigateTimeout)
	defer cancel()

	load := s.conn.Subscribe("Page.loadEventFired", s.sessionID)
	defer load.Close()

	if err := s.Call(ctx, "Page.reload", nil, nil); err != nil {
		return err
	}
	return s.waitLoad(ctx, load, s.URL())
}

// Evaluate runs a script in the page and returns its JSON-serialized value.
// A throw or unserializable result returns *EvaluationError with the engine
// message.
func (s *Session) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	params := map[string]any{
		"expression":    script,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	var res struct {
		Result struct {
			Type    string          `json:"type"`
			Subtype string          `json:"subtype"`
			Value   json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := s.Call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return nil, err
	}

	if ed := res.ExceptionDetails; ed != nil {
		msg := ed.Text
		if ed.Exception != nil && ed.Exception.Description != "" {
			msg = ed.Exception.Description
		}
		return nil, &EvaluationError{Message: msg}
	}
	if res.Result.Type == "object" && res.Result.Subtype != "null" && res.Result.Value == nil {
		return nil, &EvaluationError{Message: fmt.Sprintf("result of type %s is not serializable", res.Result.Type)}
	}
	return res.Result.Value, nil
}

// Screenshot captures the viewport. format is "jpeg" or "png"; empty uses
// the configured default. Captures wider than the configured limit are
// downscaled before returning.
func (s *Session) Screenshot(ctx context.Context, format string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, s.opts.NavigateTimeout)
	defer cancel()

	if format == "" {
		format = s.opts.ScreenshotFormat
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("screenshot: unsupported format %q", format)
	}

	params := map[string]any{"format": format}
	if format == "jpeg" {
		params["quality"] = s.opts.ScreenshotQuality
	}

	var res struct {
		Data string `json:"data"`
	}
	if err := s.Call(ctx, "Page.captureScreenshot", params, &res); err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("screenshot: decode payload: %w", err)
	}

	if s.opts.ScreenshotMaxWidth > 0 {
		data, err = downscale(data, format, s.opts.ScreenshotMaxWidth, s.opts.ScreenshotQuality)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// downscale re-encodes an image no wider than maxWidth, preserving aspect
func downscale(data []byte, format string, maxWidth, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("screenshot: decode image: %w", err)
	}
	if img.Bounds().Dx() <= maxWidth {
		return data, nil
	}

	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	switch format {
	case "png":
		err = imaging.Encode(&buf, resized, imaging.PNG)
	default:
		err = imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return nil, fmt.Errorf("screenshot: re-encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Cookie is one browser cookie in a storage snapshot
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageState is a point-in-time capture of the page's client-side state
type StorageState struct {
	URL            string            `json:"url"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	CapturedAt     time.Time         `json:"capturedAt"`
}

const storageDumpScript = `(() => {
	const dump = (s) => {
		const out = {};
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out[k] = s.getItem(k);
		}
		return out;
	};
	let local = {}, session = {};
	try { local = dump(window.localStorage); } catch (e) {}
	try { session = dump(window.sessionStorage); } catch (e) {}
	return JSON.stringify({ local, session });
})()`

// StorageState captures cookies plus local and session storage
func (s *Session) StorageState(ctx context.Context) (*StorageState, error) {
	ctx, cancel := withTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	var cookieRes struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := s.Call(ctx, "Storage.getCookies", nil, &cookieRes); err != nil {
		return nil, fmt.Errorf("capture cookies: %w", err)
	}

	raw, err := s.Evaluate(ctx, storageDumpScript)
	if err != nil {
		return nil, fmt.Errorf("capture web storage: %w", err)
	}

	// Evaluate returns the JSON string value, encoded once more as JSON
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("capture web storage: %w", err)
	}
	var stores struct {
		Local   map[string]string `json:"local"`
		Session map[string]string `json:"session"`
	}
	if err := json.Unmarshal([]byte(encoded), &stores); err != nil {
		return nil, fmt.Errorf("capture web storage: %w", err)
	}

	return &StorageState{
		URL:            s.URL(),
		Cookies:        cookieRes.Cookies,
		LocalStorage:   stores.Local,
		SessionStorage: stores.Session,
		CapturedAt:     time.Now().UTC(),
	}, nil
}

// Close asks the browser to close the target. Registry state and the
// target.closed bus event follow from the destruction event.
func (s *Session) Close(ctx context.Context) error {
	err := s.mgr.CloseTarget(ctx, s.targetID)
	s.markClosed()
	return err
}

// markClosed tears down local session state exactly once
func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.frameNav != nil {
			s.frameNav.Close()
		}
	})
}
