package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStringGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newStringGroup()
	var called string
	if err := fg.Execute(func(v string) error { called = v; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := newStringGroup()
	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "ok from " + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok from secondary" {
		t.Fatalf("got %q", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newStringGroup()
	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want it to wrap the last failure", err)
	}
}

func TestFallbackGroup_OpenPrimaryIsSkipped(t *testing.T) {
	fg := newStringGroup()
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var tried []string
	_ = fg.Execute(func(v string) error { tried = append(tried, v); return nil })
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Fatalf("tried = %v, want only secondary while primary is open", tried)
	}
}

func TestFallbackGroup_CancellationStops(t *testing.T) {
	fg := newStringGroup()
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Fatalf("tried = %v, want only the primary", tried)
	}
}

func TestFallbackGroup_Accessors(t *testing.T) {
	fg := newStringGroup()
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Fatalf("Len=%d Primary=%q", fg.Len(), fg.Primary())
	}
}
