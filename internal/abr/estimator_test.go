package abr

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestEWMA_single_sample_is_unbiased(t *testing.T) {
	e := NewEWMA(3, 0, 0)
	e.Sample(2, 1_000_000)
	if got := e.Estimate(); math.Abs(got-1_000_000) > 1e-3 {
		t.Errorf("Estimate() = %v, want 1000000", got)
	}
	if e.TotalWeight() != 2 {
		t.Errorf("TotalWeight() = %v, want 2", e.TotalWeight())
	}
}

func TestEWMA_half_life_weights_recent_samples(t *testing.T) {
	e := NewEWMA(1, 0, 0)
	e.Sample(1, 100)
	e.Sample(1, 200)
	// raw 200*0.5 + 0.5*(100*0.5) = 125, corrected by 1-0.5^2
	want := 125.0 / 0.75
	if got := e.Estimate(); math.Abs(got-want) > 1e-9 {
		t.Errorf("Estimate() = %v, want %v", got, want)
	}
}

func TestEstimator_defaults_before_samples(t *testing.T) {
	e := NewEstimator(9, 3, 500_000, 0)
	if e.CanEstimate() {
		t.Fatal("CanEstimate() = true before any sample")
	}
	if got := e.Estimate(); got != 500_000 {
		t.Errorf("Estimate() = %v, want default 500000", got)
	}
	if got := e.EstimateTTFB(); got != DefaultTTFB {
		t.Errorf("EstimateTTFB() = %v, want %v", got, DefaultTTFB)
	}
}

func TestEstimator_Sample_clamps_short_transfers(t *testing.T) {
	e := NewEstimator(9, 3, 500_000, 0)
	// 10ms is raised to 50ms: 62500 bytes * 8 / 0.05s = 10 Mbps
	e.Sample(10*time.Millisecond, 62_500)
	if !e.CanEstimate() {
		t.Fatal("CanEstimate() = false after a sample")
	}
	if got := e.Estimate(); math.Abs(got-10_000_000) > 1 {
		t.Errorf("Estimate() = %v, want 10000000", got)
	}
}

func TestEstimator_drops_fast_and_rises_slowly(t *testing.T) {
	e := NewEstimator(9, 3, 500_000, 0)
	for range 10 {
		e.Sample(time.Second, 250_000) // 2 Mbps
	}
	steady := e.Estimate()

	e.Sample(time.Second, 62_500) // 500 kbps
	afterDrop := e.Estimate()
	if afterDrop >= steady {
		t.Fatalf("estimate did not drop: %v >= %v", afterDrop, steady)
	}
	dropped := steady - afterDrop

	e2 := NewEstimator(9, 3, 500_000, 0)
	for range 10 {
		e2.Sample(time.Second, 62_500)
	}
	low := e2.Estimate()
	e2.Sample(time.Second, 250_000)
	rose := e2.Estimate() - low
	if rose <= 0 {
		t.Fatalf("estimate did not rise: %v", rose)
	}
	// The reported value is min(fast, slow): a swing down of the same size is
	// reflected faster than a swing up.
	if rose >= dropped {
		t.Errorf("rise %v should be smaller than drop %v", rose, dropped)
	}
}

func TestEstimator_estimate_is_monotonic_in_throughput(t *testing.T) {
	var prev float64
	for _, bytes := range []int64{10_000, 50_000, 125_000, 500_000} {
		e := NewEstimator(9, 3, 500_000, 0)
		for range 3 {
			e.Sample(time.Second, bytes)
		}
		got := e.Estimate()
		if got < prev {
			t.Errorf("estimate for %d bytes/s = %v, lower than %v", bytes, got, prev)
		}
		prev = got
	}
}

func TestEstimator_SampleTTFB(t *testing.T) {
	e := NewEstimator(9, 3, 500_000, 0)
	e.SampleTTFB(200 * time.Millisecond)
	got := e.EstimateTTFB()
	if got < 199*time.Millisecond || got > 201*time.Millisecond {
		t.Errorf("EstimateTTFB() = %v, want ~200ms", got)
	}
}

func TestEstimator_Update_keeps_learned_state(t *testing.T) {
	e := NewEstimator(9, 3, 500_000, 0)
	e.Sample(time.Second, 125_000)
	e.Update(4, 2)
	if !e.CanEstimate() {
		t.Error("Update dropped the learned weight")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"zero half-life", func(c *Config) { c.EwmaFastVoD = 0 }, ErrInvalidHalfLife},
		{"factor above one", func(c *Config) { c.BandWidthUpFactor = 1.2 }, ErrInvalidFactor},
		{"zero factor", func(c *Config) { c.BandWidthFactor = 0 }, ErrInvalidFactor},
		{"zero default estimate", func(c *Config) { c.DefaultEstimate = 0 }, ErrInvalidEstimate},
		{"negative default estimate", func(c *Config) { c.DefaultEstimate = -1 }, ErrInvalidEstimate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
