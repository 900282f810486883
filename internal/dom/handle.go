// Package dom provides element handles and the per-step DOM index map: a
// numbered inventory of interactive elements rebuilt wholesale on demand,
// with handles that go stale the moment the page's document is replaced.
package dom

import (
	"context"
	"encoding/json"
	"fmt"
)

// Page is the slice of an attached target session this package needs
type Page interface {
	Call(ctx context.Context, method string, params, out any) error
	Evaluate(ctx context.Context, script string) (json.RawMessage, error)
	Generation() int64
	TargetID() string
	URL() string
}

// Handle identifies one element by backend node id, pinned to the
// navigation generation it was resolved under. Handles are plain values;
// they never keep the node alive and never survive a navigation.
type Handle struct {
	TargetID      string
	Generation    int64
	BackendNodeID int
}

// StaleError means a handle's generation no longer matches the page.
// Stale handles are never retried silently; callers re-query.
type StaleError struct {
	Handle  Handle
	Current int64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale element: node %d from generation %d, page is at %d",
		e.Handle.BackendNodeID, e.Handle.Generation, e.Current)
}

// NotFoundError means a selector or index matched nothing on the page
type NotFoundError struct {
	Selector string
	URL      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no element matching %q at %s", e.Selector, e.URL)
}

// CheckFresh returns a StaleError if the handle predates the current
// document
func CheckFresh(p Page, h Handle) error {
	if cur := p.Generation(); h.Generation != cur {
		return &StaleError{Handle: h, Current: cur}
	}
	return nil
}

// ResolveObject turns a fresh handle into a remote object id for
// Runtime.callFunctionOn
func ResolveObject(ctx context.Context, p Page, h Handle) (string, error) {
	if err := CheckFresh(p, h); err != nil {
		return "", err
	}

	var res struct {
		Object struct {
			ObjectID string `json:"objectId"`
		} `json:"object"`
	}
	err := p.Call(ctx, "DOM.resolveNode", map[string]int{"backendNodeId": h.BackendNodeID}, &res)
	if err != nil {
		return "", fmt.Errorf("resolve node %d: %w", h.BackendNodeID, err)
	}
	if res.Object.ObjectID == "" {
		return "", &StaleError{Handle: h, Current: p.Generation()}
	}
	return res.Object.ObjectID, nil
}

// Center returns the viewport center point of the element's content box
func Center(ctx context.Context, p Page, h Handle) (x, y float64, err error) {
	if err := CheckFresh(p, h); err != nil {
		return 0, 0, err
	}

	var res struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	err = p.Call(ctx, "DOM.getBoxModel", map[string]int{"backendNodeId": h.BackendNodeID}, &res)
	if err != nil {
		return 0, 0, fmt.Errorf("box model for node %d: %w", h.BackendNodeID, err)
	}
	if len(res.Model.Content) < 8 {
		return 0, 0, fmt.Errorf("node %d has no content box", h.BackendNodeID)
	}

	q := res.Model.Content
	x = (q[0] + q[2] + q[4] + q[6]) / 4
	y = (q[1] + q[3] + q[5] + q[7]) / 4
	return x, y, nil
}
