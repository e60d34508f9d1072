package backoff

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func drain(b backoff.BackOff, limit int) []time.Duration {
	var out []time.Duration
	for i := 0; i < limit; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
	return out
}

func TestPolicy_DefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      Policy
		wantErr bool
	}{
		{"fixed defaults", Policy{MaxAttempts: DefaultMaxAttempts}, false},
		{"exponential defaults", Policy{Kind: "Exponential", MaxElapsedTime: DefaultMaxElapsedTime}, false},
		{"unbounded", Policy{Kind: PolicyFixed}, true},
		{"unknown kind", Policy{Kind: "linear", MaxAttempts: 3}, true},
		{"negative attempts", Policy{MaxAttempts: -1}, true},
		{"max below interval", Policy{Kind: PolicyExponential, Interval: time.Minute, MaxInterval: time.Second, MaxAttempts: 3}, true},
		{"bad jitter", Policy{Kind: PolicyExponential, RandomizationFactor: 2, MaxAttempts: 3}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := c.in
			p.ApplyDefaults()
			if err := p.Validate(); (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestPolicy_FixedAttemptsCountDeliveries(t *testing.T) {
	cases := []struct {
		attempts int
		delays   int
	}{
		{1, 0}, {2, 1}, {DefaultMaxAttempts, 4}, {6, 5},
	}
	for _, c := range cases {
		p := Policy{Kind: PolicyFixed, Interval: 5 * time.Millisecond, MaxAttempts: c.attempts}
		got := drain(p.NewCursor(), 100)
		if len(got) != c.delays {
			t.Errorf("max_attempts=%d: %d delays; want %d", c.attempts, len(got), c.delays)
		}
		for _, d := range got {
			if d != 5*time.Millisecond {
				t.Errorf("fixed delay = %v", d)
			}
		}
	}
}

func TestPolicy_ExponentialNonDecreasing(t *testing.T) {
	p := Policy{Kind: PolicyExponential, Interval: time.Millisecond, Multiplier: 2, MaxInterval: 8 * time.Millisecond, MaxAttempts: 7}
	p.ApplyDefaults()
	got := drain(p.NewCursor(), 100)
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	if len(got) != len(want) {
		t.Fatalf("delays = %v; want %d of them", got, len(want))
	}
	for i := range want {
		if got[i] != want[i]*time.Millisecond {
			t.Errorf("delay[%d] = %v; want %v", i, got[i], want[i]*time.Millisecond)
		}
	}
	if p.MaxDelay() != 8*time.Millisecond {
		t.Errorf("MaxDelay = %v", p.MaxDelay())
	}
}

func TestPolicy_FixedWithElapsedLimitStops(t *testing.T) {
	p := Policy{Kind: PolicyFixed, Interval: time.Millisecond, MaxElapsedTime: 5 * time.Millisecond}
	cur := p.NewCursor()
	time.Sleep(10 * time.Millisecond)
	if d := cur.NextBackOff(); d != backoff.Stop {
		t.Errorf("expected Stop after elapsed limit, got %v", d)
	}
}
