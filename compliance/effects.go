/*
effects.go - Post-commit side-effect queue

PURPOSE:
  The engine's concurrency discipline: decide and persist locally first,
  integrate externally second, and only once the local decision is durable.
  Handlers collect effect descriptions while the owning transaction is open;
  the orchestrator flushes the queue in order only after WithTx commits.
  If the transaction rolls back, the queue is dropped and no external side
  effect leaks.

ERROR POLICY:
  A failing effect does not stop the queue. External retries belong to the
  billing/registry integrations; the engine's obligation ends at queueing the
  instructions correctly and in order. Failures are logged and joined into
  the returned error for the caller to surface.
*/
package compliance

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/carbonledger/compliance-engine/metrics"
)

// Effect is one deferred instruction, named for logging and metrics.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

// EffectQueue collects effects during a transaction and runs them in order
// after commit. Not safe for concurrent use; each orchestration owns one.
type EffectQueue struct {
	log     zerolog.Logger
	effects []Effect
}

// NewEffectQueue creates an empty queue.
func NewEffectQueue(log zerolog.Logger) *EffectQueue {
	return &EffectQueue{log: log}
}

// Defer registers an effect to run after commit.
func (q *EffectQueue) Defer(name string, fn func(ctx context.Context) error) {
	q.effects = append(q.effects, Effect{Name: name, Run: fn})
}

// Len returns the number of queued effects.
func (q *EffectQueue) Len() int {
	return len(q.effects)
}

// Flush runs all queued effects in registration order. Every effect runs even
// if an earlier one fails; errors are joined.
func (q *EffectQueue) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range q.effects {
		if err := e.Run(ctx); err != nil {
			q.log.Error().Err(err).Str("effect", e.Name).Msg("post-commit effect failed")
			metrics.CountEffect(e.Name, metrics.ResultError)
			errs = append(errs, err)
			continue
		}
		metrics.CountEffect(e.Name, metrics.ResultSuccess)
	}
	q.effects = nil
	return errors.Join(errs...)
}
