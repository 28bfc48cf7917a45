package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// backend is a scripted provider for group tests: calls against a name in
// failing return errBackend.
type backend struct {
	name string
}

func newGroup(failures int, names ...string) *FallbackGroup[backend] {
	fg := NewFallbackGroup(backend{names[0]}, names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: failures, ResetTimeout: time.Hour},
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, backend{n})
	}
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	fg := newGroup(3, "local", "hosted")

	var served string
	err := fg.Execute(func(b backend) error {
		served = b.name
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "local" {
		t.Fatalf("served by %q, want local", served)
	}
}

func TestFallbackGroup_FailoverToNext(t *testing.T) {
	fg := newGroup(3, "local", "hosted")

	var served string
	err := fg.Execute(func(b backend) error {
		if b.name == "local" {
			return errBackend
		}
		served = b.name
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "hosted" {
		t.Fatalf("served by %q, want hosted", served)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newGroup(3, "local", "hosted")

	err := fg.Execute(func(backend) error { return errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	// Each entry's failure is named in the combined error.
	for _, name := range []string{"local", "hosted"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name entry %q", err, name)
		}
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	fg := newGroup(2, "local", "hosted")

	// Open the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(b backend) error {
			if b.name == "local" {
				return errBackend
			}
			return nil
		})
	}

	// The primary must not be consulted anymore.
	var consulted []string
	err := fg.Execute(func(b backend) error {
		consulted = append(consulted, b.name)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(consulted) != 1 || consulted[0] != "hosted" {
		t.Fatalf("consulted = %v, want [hosted]", consulted)
	}
}

func TestFallbackGroup_SingleEntry(t *testing.T) {
	fg := newGroup(3, "local")

	err := fg.Execute(func(backend) error { return errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want wrapped backend error", err)
	}
}

func TestExecuteWithResult_ReturnsPrimaryResult(t *testing.T) {
	fg := newGroup(3, "local", "hosted")

	result, err := ExecuteWithResult(fg, func(b backend) ([]float32, error) {
		if b.name == "local" {
			return []float32{0.1, 0.2}, nil
		}
		return []float32{0.9}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 || result[0] != 0.1 {
		t.Fatalf("result = %v, want primary's vector", result)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := newGroup(3, "local", "hosted")

	result, err := ExecuteWithResult(fg, func(b backend) (string, error) {
		if b.name == "local" {
			return "", errBackend
		}
		return "from-hosted", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-hosted" {
		t.Fatalf("result = %q, want from-hosted", result)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := newGroup(3, "local")

	_, err := ExecuteWithResult(fg, func(backend) (string, error) {
		return "", errBackend
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
