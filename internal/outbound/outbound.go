// Package outbound fans final assistant replies out to delivery sinks
// (channel bridges, notifiers). Delivery is fire-and-forget: the agent
// turn never waits on a sink.
package outbound

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Delivery is one final assistant reply headed out of the gateway.
type Delivery struct {
	SessionKey string
	AgentID    string
	Text       string
	CreatedAt  time.Time
}

// Sink receives final assistant replies for out-of-band delivery.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

// deliverTimeout bounds a single sink call so a stuck bridge cannot pin
// goroutines forever.
const deliverTimeout = 30 * time.Second

// Dispatcher fans deliveries out to all registered sinks, each on its own
// goroutine. Errors are logged, never returned to the caller.
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher with no sinks.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Register adds a sink. Safe to call concurrently with Dispatch.
func (d *Dispatcher) Register(sink Sink) {
	if sink == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Dispatch hands the delivery to every sink and returns immediately.
func (d *Dispatcher) Dispatch(delivery Delivery) {
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now()
	}

	d.mu.RLock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for _, sink := range sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			if err := sink.Deliver(ctx, delivery); err != nil {
				d.logger.Warn("outbound delivery failed",
					"sink", sink.Name(),
					"session_key", delivery.SessionKey,
					"error", err)
			}
		}(sink)
	}
}

// Wait blocks until all in-flight deliveries finish. Used at shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
