package logging

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestRingBuffer_WrapsAndOrders(t *testing.T) {
	rb := NewRingBuffer(3)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rb.Add(Entry{Time: base.Add(time.Duration(i) * time.Second), Message: string(rune('a' + i))})
	}

	if rb.Len() != 3 {
		t.Fatalf("len = %d, want 3", rb.Len())
	}
	recent := rb.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(recent))
	}
	if recent[0].Message != "c" || recent[2].Message != "e" {
		t.Errorf("order wrong: %q .. %q", recent[0].Message, recent[2].Message)
	}

	last := rb.Recent(1)
	if len(last) != 1 || last[0].Message != "e" {
		t.Errorf("Recent(1) = %v", last)
	}
}

func TestCaptureHandler_ExtractsComponent(t *testing.T) {
	rb := NewRingBuffer(16)
	fallback := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCaptureHandler(rb, fallback)).With("component", "discovery")

	logger.Info("Camera found", "uuid", "cam-1")

	entries := rb.Recent(1)
	if len(entries) != 1 {
		t.Fatal("entry not captured")
	}
	e := entries[0]
	if e.Component != "discovery" {
		t.Errorf("component = %q", e.Component)
	}
	if e.Message != "Camera found" || e.Attrs["uuid"] != "cam-1" {
		t.Errorf("entry = %+v", e)
	}
	if _, present := e.Attrs["component"]; present {
		t.Error("component must not duplicate into attrs")
	}
}

func TestCaptureHandler_RespectsLevel(t *testing.T) {
	rb := NewRingBuffer(16)
	fallback := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	h := NewCaptureHandler(rb, fallback)

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug must be disabled when the fallback filters it")
	}
	slog.New(h).Debug("suppressed")
	if rb.Len() != 0 {
		t.Error("suppressed record must not be buffered")
	}
}
