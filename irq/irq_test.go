package irq

import (
	"errors"
	"testing"
)

type controller struct {
	enabled  map[Vector]bool
	priority map[Vector]uint8
	pending  []Vector
}

func newController() *controller {
	return &controller{
		enabled:  make(map[Vector]bool),
		priority: make(map[Vector]uint8),
	}
}

func (c *controller) Enable(v Vector, prio uint8) {
	c.enabled[v] = true
	c.priority[v] = prio
}

func (c *controller) Disable(v Vector) {
	c.enabled[v] = false
}

func (c *controller) Enabled(v Vector) (uint8, bool) {
	return c.priority[v], c.enabled[v]
}

func (c *controller) Pend(v Vector) {
	c.pending = append(c.pending, v)
}

func TestGuard(t *testing.T) {
	c := newController()
	c.Enable(5, 7)
	func() {
		defer Mask(c, 5).Restore()
		if c.enabled[5] {
			t.Error("vector enabled inside guard")
		}
		func() {
			defer Mask(c, 5).Restore()
		}()
		if c.enabled[5] {
			t.Error("nested guard re-enabled the vector")
		}
	}()
	if !c.enabled[5] || c.priority[5] != 7 {
		t.Errorf("got enabled=%v priority=%d, want enabled=true priority=7", c.enabled[5], c.priority[5])
	}

	// A disabled vector stays disabled.
	func() {
		defer Mask(c, 6).Restore()
	}()
	if c.enabled[6] {
		t.Error("guard enabled a disabled vector")
	}
}

func TestTable(t *testing.T) {
	var tab Table
	calls := 0
	if err := tab.Register(3, func() { calls++ }); err != nil {
		t.Fatal(err)
	}
	if err := tab.Register(3, func() {}); !errors.Is(err, ErrInUse) {
		t.Errorf("got %v, want %v", err, ErrInUse)
	}
	if err := tab.Register(MaxVectors, func() {}); !errors.Is(err, ErrRange) {
		t.Errorf("got %v, want %v", err, ErrRange)
	}
	if !tab.Dispatch(3) || calls != 1 {
		t.Errorf("dispatch did not run the handler")
	}
	if tab.Dispatch(4) {
		t.Error("dispatch of an empty vector succeeded")
	}
	tab.Unregister(3)
	if tab.Dispatch(3) {
		t.Error("dispatch succeeded after Unregister")
	}
}

func TestPriorities(t *testing.T) {
	tests := []struct {
		l    Level
		want uint8
	}{
		{Highest, 0},
		{High, 3},
		{Medium, 7},
		{Low, 11},
		{Lowest, 15},
		{Lowest + 3, 15},
	}
	for _, test := range tests {
		if got := UARTPriorities.Value(test.l); got != test.want {
			t.Errorf("priority of %v: got %d, want %d", test.l, got, test.want)
		}
	}
}
