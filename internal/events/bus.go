// Package events provides the bounded in-process event bus that connects the
// market-data ingest, strategy, exit manager and order-update poller to the
// orchestrator's single event processor.
package events

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"smacross/internal/models"
)

// ErrPublishTimeout is returned when a critical event cannot be enqueued
// within the publish timeout. Non-critical events are dropped instead.
var ErrPublishTimeout = errors.New("event bus publish timeout")

// ErrBusStopped is returned when publishing after Stop.
var ErrBusStopped = errors.New("event bus stopped")

// Config tunes bus capacity and the bounded publish wait.
type Config struct {
	Capacity       int
	PublishTimeout time.Duration
	DrainTimeout   time.Duration
}

// DefaultConfig matches the engine's runtime defaults: backpressure on bars
// is acceptable (the next tick supersedes a stale bar), so the publish wait
// is short.
var DefaultConfig = Config{
	Capacity:       256,
	PublishTimeout: 100 * time.Millisecond,
	DrainTimeout:   2 * time.Second,
}

// Bus is a bounded typed queue with many producers and a single consumer.
type Bus struct {
	ch      chan models.Event
	cfg     Config
	logger  *log.Logger
	dropped atomic.Uint64

	mu      sync.RWMutex
	stopped bool
}

// NewBus creates a bus with the given configuration.
func NewBus(logger *log.Logger, cfg ...Config) *Bus {
	c := DefaultConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultConfig.Capacity
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultConfig.PublishTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultConfig.DrainTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "events: ", log.LstdFlags)
	}
	return &Bus{
		ch:     make(chan models.Event, c.Capacity),
		cfg:    c,
		logger: logger,
	}
}

// Publish enqueues an event, waiting up to the publish timeout. On timeout,
// an ExitSignalEvent propagates ErrPublishTimeout to the caller; anything
// else is dropped, counted and logged.
func (b *Bus) Publish(ev models.Event) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		if isCritical(ev) {
			return fmt.Errorf("publishing %s: %w", ev.Kind(), ErrBusStopped)
		}
		b.dropped.Add(1)
		return nil
	}

	select {
	case b.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case b.ch <- ev:
		return nil
	case <-timer.C:
		if isCritical(ev) {
			return fmt.Errorf("publishing %s after %v: %w", ev.Kind(), b.cfg.PublishTimeout, ErrPublishTimeout)
		}
		n := b.dropped.Add(1)
		b.logger.Printf("Event bus full, dropped %s event (total dropped: %d)", ev.Kind(), n)
		return nil
	}
}

// Subscribe returns the single-consumer dequeue channel. The orchestrator's
// event processor is the only intended reader.
func (b *Bus) Subscribe() <-chan models.Event {
	return b.ch
}

// Size returns the current queue depth.
func (b *Bus) Size() int {
	return len(b.ch)
}

// DroppedCount returns how many non-critical events have been discarded.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Stop marks the bus stopped and drains remaining events, logging each one
// left behind. It does not close the channel: late producers holding a
// reference must not panic, they get ErrBusStopped / silent drop instead.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	deadline := time.NewTimer(b.cfg.DrainTimeout)
	defer deadline.Stop()
	remaining := 0
	for {
		select {
		case ev := <-b.ch:
			remaining++
			b.logger.Printf("Draining unprocessed %s event at shutdown", ev.Kind())
		case <-deadline.C:
			if remaining > 0 {
				b.logger.Printf("Event bus drained %d unprocessed events", remaining)
			}
			return
		default:
			if remaining > 0 {
				b.logger.Printf("Event bus drained %d unprocessed events", remaining)
			}
			return
		}
	}
}

func isCritical(ev models.Event) bool {
	_, ok := ev.(models.ExitSignalEvent)
	if ok {
		return true
	}
	_, ok = ev.(*models.ExitSignalEvent)
	return ok
}
