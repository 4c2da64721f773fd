package retry

import (
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/logging"
)

// State is a step of the retry state machine
type State int

const (
	StateAttempting State = iota
	StateWaiting
	StateSucceeded
	StateFailed
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event describes one transition of a retried call
type Event struct {
	Name    string
	Attempt int
	State   State
	Delay   time.Duration
	Err     error
}

// Observer is notified of every transition. It cannot affect the outcome;
// panics inside Observe are swallowed
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type multiObserver []Observer

func (m multiObserver) Observe(ev Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(ev)
		}
	}
}

// Observers fans events out to every non-nil observer
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

// LogObserver logs waits, exhaustion, permanent failures and cancellations
func LogObserver(logger *logging.Logger) Observer {
	logger = logging.OrSilent(logger)
	return ObserverFunc(func(ev Event) {
		switch ev.State {
		case StateAttempting:
			logger.Debug().Str("op", ev.Name).Int("attempt", ev.Attempt).Msg("attempting")
		case StateWaiting:
			logger.Warn().Str("op", ev.Name).Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Err(ev.Err).Msg("transient failure, backing off")
		case StateExhausted:
			logger.Error().Str("op", ev.Name).Int("attempts", ev.Attempt).Err(ev.Err).Msg("retries exhausted")
		case StateFailed:
			logger.Warn().Str("op", ev.Name).Int("attempt", ev.Attempt).Err(ev.Err).Msg("permanent failure")
		case StateCancelled:
			logger.Warn().Str("op", ev.Name).Int("attempt", ev.Attempt).Err(ev.Err).Msg("cancelled")
		}
	})
}
