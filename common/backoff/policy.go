package backoff

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PolicyKind selects how redelivery delays grow.
type PolicyKind string

const (
	PolicyFixed       PolicyKind = "fixed"
	PolicyExponential PolicyKind = "exponential"
)

// Значения по умолчанию: фиксированная пауза 1s, пять доставок; для экспоненты
// 1s → 30s, не дольше 30s суммарно.
const (
	DefaultInterval       = time.Second
	// Доставки, а не повторы: 5 = первая доставка и 4 повтора. Пять повторов
	// исходного сервиса здесь записываются как 6.
	DefaultMaxAttempts    = 5
	DefaultMultiplier     = 2.0
	DefaultMaxInterval    = 30 * time.Second
	DefaultMaxElapsedTime = 30 * time.Second
)

// Policy describes the delays between deliveries of a failing batch.
//
// MaxAttempts counts deliveries, the first one included: N allows N-1
// redeliveries and the cursor stops on the N-th failure. Zero means no limit
// on attempts. MaxElapsedTime bounds the time since the first failure; zero
// means no limit.
type Policy struct {
	Kind                PolicyKind    `mapstructure:"kind"`
	Interval            time.Duration `mapstructure:"interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"`
}

// ApplyDefaults fills zero fields.
func (p *Policy) ApplyDefaults() {
	p.Kind = PolicyKind(strings.ToLower(string(p.Kind)))
	if p.Kind == "" {
		p.Kind = PolicyFixed
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Kind == PolicyExponential {
		if p.Multiplier <= 0 {
			p.Multiplier = DefaultMultiplier
		}
		if p.MaxInterval <= 0 {
			p.MaxInterval = DefaultMaxInterval
		}
	}
}

// Validate checks the policy after ApplyDefaults.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyFixed, PolicyExponential:
	default:
		return fmt.Errorf("backoff: unknown policy kind %q", p.Kind)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("backoff: interval must be > 0")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("backoff: max_attempts must be ≥ 0")
	}
	if p.MaxElapsedTime < 0 {
		return fmt.Errorf("backoff: max_elapsed_time must be ≥ 0")
	}
	if p.MaxAttempts == 0 && p.MaxElapsedTime == 0 {
		return fmt.Errorf("backoff: either max_attempts or max_elapsed_time must bound retries")
	}
	if p.Kind == PolicyExponential {
		if p.Multiplier < 1 {
			return fmt.Errorf("backoff: multiplier must be ≥ 1")
		}
		if p.MaxInterval < p.Interval {
			return fmt.Errorf("backoff: max_interval must be ≥ interval")
		}
		if p.RandomizationFactor < 0 || p.RandomizationFactor > 1 {
			return fmt.Errorf("backoff: randomization_factor must be in [0,1]")
		}
	}
	return nil
}

// MaxDelay is the longest single delay the policy can produce.
func (p Policy) MaxDelay() time.Duration {
	if p.Kind != PolicyExponential {
		return p.Interval
	}
	return time.Duration(float64(p.MaxInterval) * (1 + p.RandomizationFactor))
}

// NewCursor returns a fresh cursor: successive delays, then backoff.Stop.
func (p Policy) NewCursor() backoff.BackOff {
	if p.MaxAttempts == 1 {
		return &backoff.StopBackOff{}
	}

	var b backoff.BackOff
	switch {
	case p.Kind == PolicyExponential:
		b = newExponential(p.Interval, p.MaxInterval, p.Multiplier, p.RandomizationFactor, p.MaxElapsedTime)
	case p.MaxElapsedTime > 0:
		// фиксированная пауза с ограничением по времени
		b = newExponential(p.Interval, p.Interval, 1, 0, p.MaxElapsedTime)
	default:
		b = backoff.NewConstantBackOff(p.Interval)
	}

	if p.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}
