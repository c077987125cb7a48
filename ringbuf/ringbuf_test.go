package ringbuf

import (
	"math/rand"
	"testing"
)

func TestConservation(t *testing.T) {
	const capacity = 16
	rng := rand.New(rand.NewSource(1))
	b := New(capacity)
	var model []byte
	next := byte(0)
	for i := 0; i < 10000; i++ {
		switch rng.Intn(3) {
		case 0, 1:
			ok := b.Write(next)
			if want := len(model) < capacity; ok != want {
				t.Fatalf("op %d: Write returned %v, want %v", i, ok, want)
			}
			if ok {
				model = append(model, next)
				next++
			}
		case 2:
			c, ok := b.Read()
			if want := len(model) > 0; ok != want {
				t.Fatalf("op %d: Read returned %v, want %v", i, ok, want)
			}
			if ok {
				if c != model[0] {
					t.Fatalf("op %d: read %d, want %d", i, c, model[0])
				}
				model = model[1:]
			}
		}
		if got, want := b.Available(), capacity-len(model); got != want {
			t.Fatalf("op %d: %d available, want %d", i, got, want)
		}
		if a := b.Available(); a < 0 || a > capacity {
			t.Fatalf("op %d: available %d out of range", i, a)
		}
	}
}

func TestLock(t *testing.T) {
	b := New(4)
	b.Write('a')
	b.Lock()
	if _, ok := b.Read(); ok {
		t.Error("read succeeded from a locked buffer")
	}
	if _, ok := b.Peek(); ok {
		t.Error("peek succeeded from a locked buffer")
	}
	if !b.Write('b') {
		t.Error("write failed on a locked buffer")
	}
	b.Unlock()
	for _, want := range []byte("ab") {
		c, ok := b.Read()
		if !ok || c != want {
			t.Errorf("got %q, %v, want %q", c, ok, want)
		}
	}
}

func TestCommitConsume(t *testing.T) {
	b := New(8)
	// Simulate a transfer that wraps around the end of storage.
	b.Commit(6)
	b.Consume(6)
	s := b.Storage()
	copy(s[b.WriteOffset():], "xy")
	copy(s, "zw")
	b.Commit(4)
	if got := b.Len(); got != 4 {
		t.Fatalf("got length %d, want 4", got)
	}
	var got []byte
	for {
		c, ok := b.Read()
		if !ok {
			break
		}
		got = append(got, c)
	}
	if string(got) != "xyzw" {
		t.Errorf("got %q, want %q", got, "xyzw")
	}
	if !b.IsEmpty() {
		t.Error("buffer not empty after reading everything")
	}
}

func TestOverflowPanics(t *testing.T) {
	tests := []struct {
		name string
		f    func(b *Buffer)
	}{
		{"commit", func(b *Buffer) { b.Commit(b.Cap() + 1) }},
		{"consume", func(b *Buffer) { b.Consume(1) }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("no panic")
				}
			}()
			test.f(New(4))
		})
	}
}

func TestFull(t *testing.T) {
	b := New(3)
	for i := 0; i < 3; i++ {
		if !b.Write(byte(i)) {
			t.Fatalf("write %d failed", i)
		}
	}
	if !b.IsFull() {
		t.Error("buffer not full")
	}
	if b.Write(3) {
		t.Error("write succeeded on a full buffer")
	}
	if !b.Pop() {
		t.Error("pop failed")
	}
	if c, _ := b.Peek(); c != 1 {
		t.Errorf("got %d, want 1", c)
	}
	b.Clear()
	if !b.IsEmpty() {
		t.Error("buffer not empty after Clear")
	}
}
