package reconcile

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ctopuviyan/OrgOnboarder/internal/metrics"
)

// ErrCircuitOpen is returned when the write-path breaker refuses work.
var ErrCircuitOpen = errors.New("circuit open: store write path is failing")

// DefaultCircuitMinSamples is the number of commits observed before the
// error-rate trip condition is evaluated.
const DefaultCircuitMinSamples = 20

// BreakerConfig tunes the write-path circuit breaker.
type BreakerConfig struct {
	// ErrorThreshold is the cumulative failure rate above which the
	// breaker opens.
	ErrorThreshold float64
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// MinSamples guards the rate against small denominators; zero means
	// DefaultCircuitMinSamples.
	MinSamples uint32
}

// WriteGuard wraps every store commit. Failures accumulate across
// invocations; when the cumulative failure rate crosses the threshold the
// breaker opens and commits fail fast until the reset timeout elapses, after
// which a single probe decides between closing and reopening.
type WriteGuard struct {
	cb *gobreaker.CircuitBreaker
}

// NewWriteGuard builds the guard and logs every state transition.
func NewWriteGuard(cfg BreakerConfig, log *slog.Logger) *WriteGuard {
	minSamples := cfg.MinSamples
	if minSamples == 0 {
		minSamples = DefaultCircuitMinSamples
	}
	settings := gobreaker.Settings{
		Name:        "store-writes",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < minSamples {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) > cfg.ErrorThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitState.Set(stateGaugeValue(to))
			if to == gobreaker.StateOpen {
				log.Error("circuit_opened",
					slog.String("name", name),
					slog.String("from", from.String()),
				)
				return
			}
			log.Info("circuit_state_changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	metrics.CircuitState.Set(stateGaugeValue(gobreaker.StateClosed))
	return &WriteGuard{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs one commit under the breaker. A refused commit maps onto
// ErrCircuitOpen; other errors pass through unchanged.
func (g *WriteGuard) Do(op func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Open reports whether new work must be refused outright. Once the reset
// timeout has elapsed this turns false so the next commit can probe.
func (g *WriteGuard) Open() bool {
	return g.cb.State() == gobreaker.StateOpen
}

// Closed reports whether the breaker is fully closed. While half-open,
// callers should serialize commits so the single probe decides the state.
func (g *WriteGuard) Closed() bool {
	return g.cb.State() == gobreaker.StateClosed
}

func stateGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
