package interact

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/webclaw/internal/dom"
)

// MouseButton names a button for raw input events
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonMiddle MouseButton = "middle"
	ButtonRight  MouseButton = "right"
)

// Modifier key bitmask, matching the Input domain's encoding
const (
	ModAlt   = 1
	ModCtrl  = 2
	ModMeta  = 4
	ModShift = 8
)

// Mouse injects trusted input events at viewport coordinates. It is the
// escape hatch for elements no handle-based strategy can reach: canvas
// surfaces, drag targets, and overlays that eat synthetic events.
type Mouse struct {
	page dom.Page
}

func NewMouse(p dom.Page) *Mouse {
	return &Mouse{page: p}
}

func (m *Mouse) dispatch(ctx context.Context, params map[string]any) error {
	if err := m.page.Call(ctx, "Input.dispatchMouseEvent", params, nil); err != nil {
		return fmt.Errorf("dispatch mouse event: %w", err)
	}
	return nil
}

// Move moves the pointer to viewport coordinates
func (m *Mouse) Move(ctx context.Context, x, y float64) error {
	return m.dispatch(ctx, map[string]any{
		"type": "mouseMoved", "x": x, "y": y,
	})
}

// Down presses a button at the pointer's position, with modifier keys held
func (m *Mouse) Down(ctx context.Context, x, y float64, button MouseButton, modifiers int) error {
	return m.dispatch(ctx, map[string]any{
		"type": "mousePressed", "x": x, "y": y,
		"button": string(button), "clickCount": 1, "modifiers": modifiers,
	})
}

// Up releases a button
func (m *Mouse) Up(ctx context.Context, x, y float64, button MouseButton, modifiers int) error {
	return m.dispatch(ctx, map[string]any{
		"type": "mouseReleased", "x": x, "y": y,
		"button": string(button), "clickCount": 1, "modifiers": modifiers,
	})
}

// Click moves to the coordinates and performs a full press-release
func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	if err := m.Move(ctx, x, y); err != nil {
		return err
	}
	if err := m.Down(ctx, x, y, ButtonLeft, 0); err != nil {
		return err
	}
	return m.Up(ctx, x, y, ButtonLeft, 0)
}
