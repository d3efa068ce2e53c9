package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/ransomward/pkg/alert"
	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
)

// Dispatcher manages and executes defensive actions. It implements the
// responder contract the alert state machine escalates through.
//
// Escalations are queued and executed on a worker goroutine so a slow action
// (a process scan, an iptables call) can never stall the scoring pipeline.
// With enabled=false the dispatcher is in monitor-only mode: escalations are
// logged and dropped without executing anything.
type Dispatcher struct {
	actions map[string]Action
	onAlert []string // ordered action names to run per escalation
	enabled bool
	logger  zerolog.Logger

	queue   chan alert.EscalationContext
	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// queueSize bounds pending escalations. The state machine produces at most
// one escalation per episode, so a small queue only ever fills if actions
// hang outright.
const queueSize = 16

// NewDispatcher creates a dispatcher that runs the named actions, in order,
// on each escalation.
func NewDispatcher(enabled bool, onAlert []string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		actions: make(map[string]Action),
		onAlert: append([]string(nil), onAlert...),
		enabled: enabled,
		logger:  logger.With().Str("component", "responder").Logger(),
		queue:   make(chan alert.EscalationContext, queueSize),
		stop:    make(chan struct{}),
	}
}

// RegisterAction registers an action with the dispatcher.
func (d *Dispatcher) RegisterAction(action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.actions[action.Name()] = action
	d.logger.Info().Str("action", action.Name()).Msg("Action registered")
}

// Start launches the worker that drains the escalation queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	// Stop closed the previous channel; every Start gets a fresh one so the
	// dispatcher can be restarted.
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ec := <-d.queue:
				d.respond(ctx, ec)
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()
}

// Stop shuts the worker down. Queued escalations that have not started are
// dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stop)
	d.wg.Wait()
}

// Escalate implements the responder contract: non-blocking handoff to the
// worker. A full queue is a responder failure, which the caller logs and
// survives.
func (d *Dispatcher) Escalate(ctx context.Context, ec alert.EscalationContext) error {
	if !d.IsEnabled() {
		d.logger.Warn().
			Str("path", ec.Path).
			Float64("score", ec.Score).
			Msg("Monitor-only mode: escalation recorded, no defensive action taken")
		return nil
	}

	select {
	case d.queue <- ec:
		return nil
	default:
		return rwerrors.NewResponderFailureError("responder", "enqueue", fmt.Errorf("escalation queue full"))
	}
}

// respond runs every configured action for one escalation. A failing action
// is logged and the rest still run.
func (d *Dispatcher) respond(ctx context.Context, ec alert.EscalationContext) {
	d.logger.Warn().
		Str("path", ec.Path).
		Float64("score", ec.Score).
		Time("window", ec.Window).
		Msg("Executing defensive response")

	data := map[string]interface{}{
		"path":   ec.Path,
		"score":  ec.Score,
		"window": ec.Window,
	}

	for _, name := range d.onAlert {
		if err := d.Execute(ctx, name, data); err != nil {
			d.logger.Error().Err(err).Str("action", name).Msg("Failed to execute action")
		}
	}
}

// Execute runs a single named action with the given data.
func (d *Dispatcher) Execute(ctx context.Context, actionName string, data map[string]interface{}) error {
	d.mu.RLock()
	action, exists := d.actions[actionName]
	d.mu.RUnlock()

	if !exists {
		return fmt.Errorf("action '%s' not found", actionName)
	}

	d.logger.Info().Str("action", actionName).Msg("Executing defensive action...")

	if err := action.Execute(ctx, data); err != nil {
		return rwerrors.NewResponderFailureError("responder", actionName, err)
	}

	d.logger.Info().Str("action", actionName).Msg("Action executed successfully")
	return nil
}

// IsEnabled returns whether actions are enabled.
func (d *Dispatcher) IsEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled toggles between active response and monitor-only mode.
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	d.logger.Info().Bool("enabled", enabled).Msg("Action execution status changed")
}
