package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

const url = "http://example.com/hook"

var errBoom = errors.New("boom")

func newBreaker() (*Breaker, *testutil.FakeClock) {
	clk := testutil.NewFakeClock(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	return New(3, 5*time.Second).WithClock(clk), clk
}

func TestAllow_UnknownKey_Allowed(t *testing.T) {
	b, _ := newBreaker()
	if err := b.Allow(url); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	b, _ := newBreaker()
	b.Record(url, errBoom)
	b.Record(url, errBoom)
	if err := b.Allow(url); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	b, _ := newBreaker()
	for range 3 {
		b.Record(url, errBoom)
	}
	if err := b.Allow(url); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State(url) != StateOpen {
		t.Errorf("state = %s, want open", b.State(url))
	}
}

func TestAllow_AfterCooldown_SingleProbe(t *testing.T) {
	b, clk := newBreaker()
	for range 3 {
		b.Record(url, errBoom)
	}
	clk.Advance(5 * time.Second)
	if err := b.Allow(url); err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	if err := b.Allow(url); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected ErrCircuitOpen while half-open probe in flight")
	}
}

func TestRecord_ProbeSuccessCloses(t *testing.T) {
	b, clk := newBreaker()
	for range 3 {
		b.Record(url, errBoom)
	}
	clk.Advance(5 * time.Second)
	_ = b.Allow(url)
	b.Record(url, nil)

	if b.State(url) != StateClosed {
		t.Errorf("state = %s, want closed", b.State(url))
	}
	b.Record(url, errBoom)
	if err := b.Allow(url); err != nil {
		t.Fatalf("failure count should restart after success, got %v", err)
	}
}

func TestRecord_ProbeFailureReopens(t *testing.T) {
	b, clk := newBreaker()
	for range 3 {
		b.Record(url, errBoom)
	}
	clk.Advance(5 * time.Second)
	_ = b.Allow(url)
	b.Record(url, errBoom)

	if err := b.Allow(url); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
	clk.Advance(5 * time.Second)
	if err := b.Allow(url); err != nil {
		t.Fatalf("expected a new probe after cooldown, got %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b, _ := newBreaker()
	for range 3 {
		b.Record(url, errBoom)
	}
	if err := b.Allow("http://other.example.com"); err != nil {
		t.Fatalf("other key affected: %v", err)
	}
}
