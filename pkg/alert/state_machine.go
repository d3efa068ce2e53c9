// Package alert converts the per-window anomaly score stream into discrete
// escalation decisions. A hysteresis counter requires sustained anomalous
// behavior before escalating, and a contained machine never resumes on its
// own: an operator must explicitly clear it, because automatic resumption
// after a defensive action risks flapping.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
)

// State is the escalation state of one monitored path.
type State int

const (
	StateNormal State = iota
	StateSuspicious
	StateConfirmed
	StateContained
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspicious:
		return "suspicious"
	case StateConfirmed:
		return "confirmed"
	case StateContained:
		return "contained"
	default:
		return "unknown"
	}
}

// Transition records one state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Score float64   `json:"score"`
}

// EscalationContext is everything the responder gets when the machine decides
// to act.
type EscalationContext struct {
	Path         string
	Window       time.Time
	Score        float64
	StateHistory []Transition
}

// Responder is the external defensive-action executor. It must return quickly
// or hand off asynchronously; its failures are an operational concern, not a
// detection one, so the machine logs them and completes its transition anyway.
type Responder interface {
	Escalate(ctx context.Context, ec EscalationContext) error
}

// historyMax bounds the retained transition history per machine.
const historyMax = 64

// StateMachine applies threshold and consecutive-count hysteresis to a score
// stream for a single monitored path. Each path gets its own machine with
// isolated state; scores must be observed in window order.
type StateMachine struct {
	path         string
	threshold    float64
	alertLimit   int
	confirmLimit int
	responder    Responder
	logger       zerolog.Logger

	mu             sync.Mutex
	state          State
	counter        int
	lastTransition time.Time
	history        []Transition
}

// NewStateMachine creates a machine in StateNormal.
func NewStateMachine(path string, threshold float64, alertLimit, confirmLimit int, responder Responder, logger zerolog.Logger) (*StateMachine, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, rwerrors.NewConfigurationError("alert", "score threshold must be in (0,1)", map[string]interface{}{
			"threshold": threshold,
		})
	}
	if alertLimit < 1 || confirmLimit < 1 {
		return nil, rwerrors.NewConfigurationError("alert", "count limits must be at least 1", map[string]interface{}{
			"alert_count_limit":   alertLimit,
			"confirm_count_limit": confirmLimit,
		})
	}
	return &StateMachine{
		path:         path,
		threshold:    threshold,
		alertLimit:   alertLimit,
		confirmLimit: confirmLimit,
		responder:    responder,
		logger:       logger.With().Str("component", "alert").Str("path", path).Logger(),
	}, nil
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// History returns a copy of the retained transitions.
func (sm *StateMachine) History() []Transition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]Transition(nil), sm.history...)
}

// Observe feeds one window's score into the machine and performs any state
// transition it implies. Escalation to containment happens within the
// observation that confirms it: exactly one Responder.Escalate call per
// Confirmed-to-Contained transition, never re-invoked while contained.
func (sm *StateMachine) Observe(ctx context.Context, window time.Time, score float64) State {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	high := score >= sm.threshold

	switch sm.state {
	case StateNormal:
		if high {
			sm.counter++
			if sm.counter >= sm.alertLimit {
				sm.transition(StateSuspicious, score)
				sm.counter = 0
			}
		} else {
			sm.counter = 0
		}

	case StateSuspicious:
		if high {
			sm.counter++
			if sm.counter >= sm.confirmLimit {
				sm.transition(StateConfirmed, score)
				// The confirming score is itself above threshold, so the
				// confirmed state acts on it immediately: escalate and
				// contain in the same observation.
				sm.escalate(ctx, window, score)
				sm.transition(StateContained, score)
				sm.counter = 0
			}
		} else {
			sm.counter--
			if sm.counter <= 0 {
				sm.transition(StateNormal, score)
				sm.counter = 0
			}
		}

	case StateConfirmed:
		// Only reachable if a crash interrupted containment. A further high
		// score retries the defensive action; low scores never revert a
		// confirmed detection.
		if high {
			sm.escalate(ctx, window, score)
			sm.transition(StateContained, score)
		}

	case StateContained:
		// Ignore all further scores until an operator clears the machine.
	}

	return sm.state
}

// Clear is the explicit operator resume: back to Normal with counters reset.
func (sm *StateMachine) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state == StateNormal {
		return
	}
	sm.logger.Info().Str("from", sm.state.String()).Msg("Alert state cleared by operator")
	sm.transition(StateNormal, 0)
	sm.counter = 0
}

// transition must be called with the lock held.
func (sm *StateMachine) transition(to State, score float64) {
	tr := Transition{From: sm.state, To: to, At: time.Now(), Score: score}
	sm.state = to
	sm.lastTransition = tr.At
	sm.history = append(sm.history, tr)
	if len(sm.history) > historyMax {
		sm.history = sm.history[len(sm.history)-historyMax:]
	}

	sm.logger.Warn().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Float64("score", score).
		Msg("Alert state transition")
}

// escalate must be called with the lock held.
func (sm *StateMachine) escalate(ctx context.Context, window time.Time, score float64) {
	if sm.responder == nil {
		return
	}

	ec := EscalationContext{
		Path:         sm.path,
		Window:       window,
		Score:        score,
		StateHistory: append([]Transition(nil), sm.history...),
	}

	if err := sm.responder.Escalate(ctx, ec); err != nil {
		// Detection did its job the moment it decided to escalate; action
		// failures are logged and the transition completes regardless.
		perr := rwerrors.NewResponderFailureError("alert", "escalate", err)
		sm.logger.Error().Err(perr).Float64("score", score).Msg("Responder escalation failed")
	}
}
