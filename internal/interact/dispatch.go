package interact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/webclaw/internal/dom"
	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

// Result markers returned by in-page scripts
const (
	markerOK             = "__ok__"
	markerNotSelect      = "__not_select__"
	markerNotMultiple    = "__not_multiple__"
	markerOptionNotFound = "__option_not_found__"
)

// Every click path emits the full mousedown/mouseup/click sequence;
// handlers bound to the press phases fire on plain DOM pages too. The
// native variant ends in click() so default actions (links, submit
// buttons) still run.
const clickNativeScript = `function() {
	this.scrollIntoView({ block: 'center', inline: 'center' });
	const opts = { bubbles: true, cancelable: true, view: window };
	this.dispatchEvent(new MouseEvent('mousedown', opts));
	this.dispatchEvent(new MouseEvent('mouseup', opts));
	this.click();
}`

const clickSyntheticScript = `function(button, detail, modifiers) {
	this.scrollIntoView({ block: 'center', inline: 'center' });
	const opts = { bubbles: true, cancelable: true, view: window,
		button: button || 0, detail: detail || 1,
		altKey: !!(modifiers & 1), ctrlKey: !!(modifiers & 2),
		metaKey: !!(modifiers & 4), shiftKey: !!(modifiers & 8) };
	this.dispatchEvent(new MouseEvent('mousedown', opts));
	this.dispatchEvent(new MouseEvent('mouseup', opts));
	this.dispatchEvent(new MouseEvent('click', opts));
}`

const fillNativeScript = `function(text) {
	this.scrollIntoView({ block: 'center' });
	this.focus();
	const tag = this.tagName;
	if (tag === 'INPUT' || tag === 'TEXTAREA') {
		this.value = text;
	} else if (this.isContentEditable) {
		this.textContent = text;
	} else {
		throw new Error('element is not fillable: ' + tag);
	}
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	this.blur();
}`

// React shadows the value property on controlled inputs; writing through
// the native prototype setter is the only way the controlled state updates
const fillNativeSetterScript = `function(text) {
	this.scrollIntoView({ block: 'center' });
	this.focus();
	const tag = this.tagName;
	let proto = null;
	if (tag === 'INPUT') proto = window.HTMLInputElement.prototype;
	else if (tag === 'TEXTAREA') proto = window.HTMLTextAreaElement.prototype;
	if (proto) {
		const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
		setter.call(this, text);
	} else if (this.isContentEditable) {
		this.textContent = text;
	} else {
		throw new Error('element is not fillable: ' + tag);
	}
	this.dispatchEvent(new KeyboardEvent('keydown', { bubbles: true }));
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new KeyboardEvent('keyup', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	this.blur();
}`

// selectScriptTmpl matches options by value or exact visible text; the
// single-select assignment line is substituted per framework. Multi-selects
// replace the whole selection.
const selectScriptTmpl = `function(values) {
	if (this.tagName !== 'SELECT') return '__not_select__';
	this.scrollIntoView({ block: 'center' });
	if (values.length > 1 && !this.multiple) return '__not_multiple__';
	const matches = [];
	for (const want of values) {
		let match = null;
		for (const opt of this.options) {
			if (opt.value === want || opt.textContent.trim() === want) { match = opt; break; }
		}
		if (!match) return '__option_not_found__';
		matches.push(match);
	}
	if (this.multiple) {
		for (const opt of this.options) opt.selected = false;
		for (const m of matches) m.selected = true;
	} else {
		const match = matches[0];
		%s
	}
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return '__ok__';
}`

const selectAssignNative = `this.value = match.value;`
const selectAssignReact = `Object.getOwnPropertyDescriptor(window.HTMLSelectElement.prototype, 'value').set.call(this, match.value);`

// tagOptionScript finds a visible custom-dropdown option by exact text or
// data-value and tags it so the caller can resolve a handle to it
const tagOptionScript = `(() => {
	const want = %q;
	const marker = %q;
	const cands = document.querySelectorAll('[role="option"], [role="listbox"] *, [data-value], li');
	for (const el of cands) {
		if (!(el instanceof HTMLElement)) continue;
		if (el.offsetParent === null) continue;
		const dv = el.getAttribute('data-value');
		if (dv === want || el.textContent.trim() === want) {
			el.setAttribute(marker, '');
			return true;
		}
	}
	return false;
})()`

const untagScript = `(() => {
	const el = document.querySelector('[%s]');
	if (el) el.removeAttribute('%s');
})()`

const checkScript = `function(want) {
	this.scrollIntoView({ block: 'center' });
	const native = this.tagName === 'INPUT' && (this.type === 'checkbox' || this.type === 'radio');
	if (!native) { this.click(); return true; }
	if (this.checked === want) return true;
	this.click();
	if (this.checked === want) return true;
	const setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'checked').set;
	setter.call(this, want);
	this.dispatchEvent(new Event('click', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return this.checked === want;
}`

const hoverScript = `function() {
	this.scrollIntoView({ block: 'center' });
	const opts = { bubbles: true, cancelable: true, view: window };
	this.dispatchEvent(new MouseEvent('pointerover', opts));
	this.dispatchEvent(new MouseEvent('mouseover', opts));
	this.dispatchEvent(new MouseEvent('mouseenter', { bubbles: false }));
	this.dispatchEvent(new MouseEvent('mousemove', opts));
}`

// Dispatcher executes actions against element handles, choosing the event
// sequence for the framework that rendered the page. It never injects DOM
// nodes; the only page mutation outside the action itself is a temporary
// tagging attribute, removed after use.
type Dispatcher struct {
	page  dom.Page
	det   *Detector
	mouse *Mouse
}

func New(p dom.Page) *Dispatcher {
	return &Dispatcher{page: p, det: NewDetector(p), mouse: NewMouse(p)}
}

// Mouse exposes the raw coordinate capability
func (d *Dispatcher) Mouse() *Mouse { return d.mouse }

// Framework reports the detected framework for the current document
func (d *Dispatcher) Framework(ctx context.Context) (Framework, error) {
	return d.det.Detect(ctx)
}

// detect is the error-tolerant probe used before actions: a failed probe
// degrades to the native strategy instead of blocking the action
func (d *Dispatcher) detect(ctx context.Context) Framework {
	fw, err := d.det.Detect(ctx)
	if err != nil {
		L_warn("interact: framework detection failed, assuming none", "error", err)
		return FrameworkNone
	}
	return fw
}

// callOn invokes a function with the element as `this`
func (d *Dispatcher) callOn(ctx context.Context, objectID, fn string, args ...any) (json.RawMessage, error) {
	callArgs := make([]map[string]any, len(args))
	for i, a := range args {
		callArgs[i] = map[string]any{"value": a}
	}

	params := map[string]any{
		"functionDeclaration": fn,
		"objectId":            objectID,
		"arguments":           callArgs,
		"returnByValue":       true,
		"awaitPromise":        true,
	}
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := d.page.Call(ctx, "Runtime.callFunctionOn", params, &res); err != nil {
		return nil, err
	}
	if ed := res.ExceptionDetails; ed != nil {
		msg := ed.Text
		if ed.Exception != nil && ed.Exception.Description != "" {
			msg = ed.Exception.Description
		}
		return nil, errors.New(msg)
	}
	return res.Result.Value, nil
}

// isStale lets staleness escape the strategy chain untouched
func isStale(err error) bool {
	var stale *dom.StaleError
	return errors.As(err, &stale)
}

// ClickOptions refine a click. The zero value is a single unmodified
// left click. Modifiers is the Mod* bitmask.
type ClickOptions struct {
	Button     MouseButton
	ClickCount int
	Modifiers  int
}

func (o ClickOptions) normalize() ClickOptions {
	if o.Button == "" {
		o.Button = ButtonLeft
	}
	if o.ClickCount <= 0 {
		o.ClickCount = 1
	}
	return o
}

func buttonNumber(b MouseButton) int {
	switch b {
	case ButtonMiddle:
		return 1
	case ButtonRight:
		return 2
	default:
		return 0
	}
}

// Click activates an element. React and Vue pages get the full synthetic
// pointer sequence; everything else gets a native click. A failing script
// strategy falls back to a trusted coordinate click before giving up.
func (d *Dispatcher) Click(ctx context.Context, h dom.Handle, opts ...ClickOptions) error {
	var o ClickOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.normalize()

	fw := d.detect(ctx)

	obj, err := dom.ResolveObject(ctx, d.page, h)
	if err != nil {
		return err
	}

	// A native click() can only express a single unmodified left click;
	// anything else takes the synthetic path regardless of framework
	synthetic := fw == FrameworkReact || fw == FrameworkVue ||
		o.Button != ButtonLeft || o.ClickCount > 1 || o.Modifiers != 0

	var attempted []string
	var lastErr error
	if synthetic {
		name := fw.String() + "-event-sequence"
		attempted = append(attempted, name)
		_, lastErr = d.callOn(ctx, obj, clickSyntheticScript, buttonNumber(o.Button), o.ClickCount, o.Modifiers)
	} else {
		attempted = append(attempted, "native-click")
		_, lastErr = d.callOn(ctx, obj, clickNativeScript)
	}
	if lastErr == nil {
		return nil
	}
	if isStale(lastErr) {
		return lastErr
	}
	L_debug("interact: click strategy failed", "strategy", attempted[len(attempted)-1], "error", lastErr)

	attempted = append(attempted, "coordinate-click")
	x, y, cerr := dom.Center(ctx, d.page, h)
	if cerr == nil {
		var merr error
		for i := 0; i < o.ClickCount && merr == nil; i++ {
			merr = d.clickAt(ctx, x, y, o.Button, o.Modifiers)
		}
		if merr == nil {
			return nil
		}
		lastErr = merr
	} else {
		if isStale(cerr) {
			return cerr
		}
		lastErr = cerr
	}

	return &InteractionError{Action: "click", Reason: lastErr.Error(), Attempted: attempted}
}

func (d *Dispatcher) clickAt(ctx context.Context, x, y float64, button MouseButton, modifiers int) error {
	if err := d.mouse.Move(ctx, x, y); err != nil {
		return err
	}
	if err := d.mouse.Down(ctx, x, y, button, modifiers); err != nil {
		return err
	}
	return d.mouse.Up(ctx, x, y, button, modifiers)
}

// Fill replaces an input's value and fires the events frameworks listen
// for. React pages write through the native prototype setter so controlled
// components see the change.
func (d *Dispatcher) Fill(ctx context.Context, h dom.Handle, text string) error {
	fw := d.detect(ctx)

	obj, err := dom.ResolveObject(ctx, d.page, h)
	if err != nil {
		return err
	}

	script, name := fillNativeScript, "native-fill"
	if fw == FrameworkReact {
		script, name = fillNativeSetterScript, "native-setter-fill"
	}

	attempted := []string{name}
	_, lastErr := d.callOn(ctx, obj, script, text)
	if lastErr == nil {
		return nil
	}
	if isStale(lastErr) {
		return lastErr
	}

	// An undetected React page rejects the plain assignment path; the
	// setter variant is harmless everywhere else
	if script != fillNativeSetterScript {
		attempted = append(attempted, "native-setter-fill")
		if _, err := d.callOn(ctx, obj, fillNativeSetterScript, text); err == nil {
			return nil
		} else if isStale(err) {
			return err
		} else {
			lastErr = err
		}
	}

	return &InteractionError{Action: "fill", Reason: lastErr.Error(), Attempted: attempted}
}

// Select chooses options by value or exact visible text. Native selects
// assign and fire change (multi-selects replace the whole selection);
// anything that is not a <select> is treated as a custom dropdown: open
// it, find the matching visible option, click it.
func (d *Dispatcher) Select(ctx context.Context, h dom.Handle, values ...string) error {
	if len(values) == 0 {
		return &InteractionError{Action: "select", Reason: "no values given"}
	}

	fw := d.detect(ctx)

	obj, err := dom.ResolveObject(ctx, d.page, h)
	if err != nil {
		return err
	}

	assign := selectAssignNative
	if fw == FrameworkReact {
		assign = selectAssignReact
	}
	script := fmt.Sprintf(selectScriptTmpl, assign)

	raw, err := d.callOn(ctx, obj, script, values)
	if err != nil {
		if isStale(err) {
			return err
		}
		return &InteractionError{Action: "select", Reason: err.Error(), Attempted: []string{"native-select"}}
	}

	var marker string
	_ = json.Unmarshal(raw, &marker)
	switch marker {
	case markerOK:
		return nil
	case markerOptionNotFound:
		return fmt.Errorf("select %q: %w", strings.Join(values, ", "), ErrOptionNotFound)
	case markerNotMultiple:
		return &InteractionError{Action: "select", Reason: "multiple values on a single-choice select", Attempted: []string{"native-select"}}
	case markerNotSelect:
		if len(values) != 1 {
			return &InteractionError{Action: "select", Reason: "custom dropdowns take exactly one value", Attempted: []string{"native-select"}}
		}
		return d.selectCustom(ctx, h, values[0])
	default:
		return &InteractionError{Action: "select", Reason: fmt.Sprintf("unexpected script result %q", marker), Attempted: []string{"native-select"}}
	}
}

// selectCustom drives framework dropdown widgets: click to open, tag the
// matching visible option with a throwaway attribute, click it through a
// real handle, then remove the tag
func (d *Dispatcher) selectCustom(ctx context.Context, h dom.Handle, value string) error {
	attempted := []string{"custom-dropdown"}

	if err := d.Click(ctx, h); err != nil {
		if isStale(err) {
			return err
		}
		return &InteractionError{Action: "select", Reason: "open dropdown: " + err.Error(), Attempted: attempted}
	}

	marker := "data-webclaw-" + uuid.NewString()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := d.page.Evaluate(cleanupCtx, fmt.Sprintf(untagScript, marker, marker)); err != nil {
			L_debug("interact: tag cleanup failed", "marker", marker, "error", err)
		}
	}()

	// Options can render a beat after the open click
	found := false
	deadline := time.Now().Add(time.Second)
	for {
		raw, err := d.page.Evaluate(ctx, fmt.Sprintf(tagOptionScript, value, marker))
		if err != nil {
			return &InteractionError{Action: "select", Reason: "find option: " + err.Error(), Attempted: attempted}
		}
		_ = json.Unmarshal(raw, &found)
		if found || time.Now().After(deadline) {
			break
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !found {
		return fmt.Errorf("select %q: %w", value, ErrOptionNotFound)
	}

	handles, err := dom.Query(ctx, d.page, "["+marker+"]", dom.QueryOptions{})
	if err != nil {
		if isStale(err) {
			return err
		}
		return &InteractionError{Action: "select", Reason: "resolve option: " + err.Error(), Attempted: attempted}
	}

	obj, err := dom.ResolveObject(ctx, d.page, handles[0])
	if err != nil {
		return err
	}
	if _, err := d.callOn(ctx, obj, clickSyntheticScript); err != nil {
		if isStale(err) {
			return err
		}
		return &InteractionError{Action: "select", Reason: "click option: " + err.Error(), Attempted: attempted}
	}
	return nil
}

// Check sets a checkbox or radio to the wanted state. Already-correct
// state is a no-op; a click that the framework reverts falls back to the
// native checked setter.
func (d *Dispatcher) Check(ctx context.Context, h dom.Handle, checked bool) error {
	obj, err := dom.ResolveObject(ctx, d.page, h)
	if err != nil {
		return err
	}

	raw, err := d.callOn(ctx, obj, checkScript, checked)
	if err != nil {
		if isStale(err) {
			return err
		}
		return &InteractionError{Action: "check", Reason: err.Error(), Attempted: []string{"click-then-setter"}}
	}
	var ok bool
	_ = json.Unmarshal(raw, &ok)
	if !ok {
		return &InteractionError{Action: "check", Reason: "element did not hold the requested state", Attempted: []string{"click-then-setter"}}
	}
	return nil
}

// Hover dispatches the pointer-over sequence, with a trusted mouse move to
// the element's center as backup for CSS :hover styling
func (d *Dispatcher) Hover(ctx context.Context, h dom.Handle) error {
	obj, err := dom.ResolveObject(ctx, d.page, h)
	if err != nil {
		return err
	}

	attempted := []string{"event-sequence"}
	_, lastErr := d.callOn(ctx, obj, hoverScript)
	if lastErr == nil {
		// Synthetic events update listeners but not :hover; move the real
		// pointer too when we can
		if x, y, err := dom.Center(ctx, d.page, h); err == nil {
			if err := d.mouse.Move(ctx, x, y); err != nil {
				L_debug("interact: hover pointer move failed", "error", err)
			}
		}
		return nil
	}
	if isStale(lastErr) {
		return lastErr
	}

	attempted = append(attempted, "coordinate-move")
	x, y, cerr := dom.Center(ctx, d.page, h)
	if cerr == nil {
		if merr := d.mouse.Move(ctx, x, y); merr == nil {
			return nil
		} else {
			lastErr = merr
		}
	} else {
		if isStale(cerr) {
			return cerr
		}
		lastErr = cerr
	}
	return &InteractionError{Action: "hover", Reason: lastErr.Error(), Attempted: attempted}
}
