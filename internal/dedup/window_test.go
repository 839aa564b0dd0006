package dedup

import (
	"context"
	"testing"
	"time"
)

func TestMemoryWindow_SuppressesRepeatsWithinWindow(t *testing.T) {
	w := NewMemoryWindow(2 * time.Second)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !w.Admit(ctx, "sig-1", now) {
		t.Fatal("first delivery should be admitted")
	}

	admitted := 1
	for i := 0; i < 9; i++ {
		if w.Admit(ctx, "sig-1", now.Add(time.Duration(i)*100*time.Millisecond)) {
			admitted++
		}
	}
	if admitted != 1 {
		t.Errorf("admitted = %d, want exactly 1 within the window", admitted)
	}
}

func TestMemoryWindow_ReadmitsAfterWindow(t *testing.T) {
	w := NewMemoryWindow(2 * time.Second)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !w.Admit(ctx, "sig-1", now) {
		t.Fatal("first delivery should be admitted")
	}
	if w.Admit(ctx, "sig-1", now.Add(1999*time.Millisecond)) {
		t.Error("delivery just inside the window should be suppressed")
	}
	if !w.Admit(ctx, "sig-1", now.Add(2*time.Second)) {
		t.Error("delivery at the window boundary should be admitted")
	}
}

func TestMemoryWindow_RefreshesOnAdmission(t *testing.T) {
	w := NewMemoryWindow(2 * time.Second)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	w.Admit(ctx, "sig-1", now)
	w.Admit(ctx, "sig-1", now.Add(3*time.Second)) // re-admitted, entry refreshed

	if w.Admit(ctx, "sig-1", now.Add(4*time.Second)) {
		t.Error("entry should have been refreshed by the second admission")
	}
}

func TestMemoryWindow_IndependentSignatures(t *testing.T) {
	w := NewMemoryWindow(2 * time.Second)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !w.Admit(ctx, "sig-1", now) || !w.Admit(ctx, "sig-2", now) {
		t.Error("distinct signatures must not suppress each other")
	}
}
