package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsZeroInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("zero interval should be rejected")
	}
}

func TestNextTickAlignment(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, AlignToTick: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("aligned next tick = %s", got)
	}
	onBoundary := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(time.Hour)) {
		t.Fatalf("tick on a boundary should move to the following one, got %s", got)
	}

	free, _ := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got := free.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned next tick = %s", got)
	}
}

func TestRunKeepsGoingAfterJobErrors(t *testing.T) {
	s, err := New(Options{Name: "test", Interval: 5 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err = s.Run(ctx, func(context.Context, time.Time) error {
		calls++
		if calls == 3 {
			cancel()
			return nil
		}
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("job should run until cancelled, got %d calls", calls)
	}
}
