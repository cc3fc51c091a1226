// Package alerting fans security alerts out to external sinks off the request path.
//
// The tracker calls Notify synchronously from RecordEvent, so Notify never blocks:
// alerts go into a bounded queue drained by Run, and a full queue drops the alert
// (it is still in the logs, the tracker writes a warn line for every alert).
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/secevents"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 10 * time.Second

	// drainTimeout bounds how long Run keeps delivering after shutdown starts
	drainTimeout = 5 * time.Second
)

// Sink delivers one alert somewhere outside the process
type Sink interface {
	Name() string
	Send(ctx context.Context, a secevents.Alert) error
}

type Options struct {
	Logger      log.Logger
	Sinks       []Sink
	QueueSize   int
	SendTimeout time.Duration

	// hooks for prometheus counters
	OnDropped   func()
	OnDelivered func(sink string)
	OnSinkError func(sink string)
}

type Dispatcher struct {
	queue       chan secevents.Alert
	sinks       []Sink
	logger      log.Logger
	sendTimeout time.Duration

	onDropped   func()
	onDelivered func(sink string)
	onSinkError func(sink string)

	// mu orders Notify against shutdown: once stopped is set nothing else is queued
	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		queue:       make(chan secevents.Alert, opts.QueueSize),
		sinks:       opts.Sinks,
		logger:      opts.Logger.With("component", "alerting"),
		sendTimeout: opts.SendTimeout,
		onDropped:   opts.OnDropped,
		onDelivered: opts.OnDelivered,
		onSinkError: opts.OnSinkError,
		done:        make(chan struct{}),
	}
}

// Notify queues a for delivery. Matches the tracker's alert hook signature.
// Alerts arriving after Run has begun shutting down are dropped and counted.
func (d *Dispatcher) Notify(ctx context.Context, a secevents.Alert) {
	if len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	queued := false
	if !d.stopped {
		select {
		case d.queue <- a:
			queued = true
		default:
		}
	}
	stopped := d.stopped
	d.mu.RUnlock()
	if queued {
		return
	}

	reason := "alert queue full, dropping alert"
	if stopped {
		reason = "alert dispatcher stopped, dropping alert"
	}
	d.logger.Warn(ctx, reason,
		"alert_id", a.ID,
		"kind", string(a.Kind),
		"queue_size", cap(d.queue),
	)
	if d.onDropped != nil {
		d.onDropped()
	}
}

// Done is closed once Run has returned and the queue has been drained
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Run delivers queued alerts until ctx is cancelled, then drains what is left
// for up to drainTimeout. Intended to be launched as: go dispatcher.Run(ctx)
// Cancel ctx only after the listeners have stopped, alerts raised later are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	d.logger.Info(ctx, "alert dispatcher started", "sinks", names, "queue_size", cap(d.queue))

	// a send in flight when ctx is cancelled still gets its own timeout
	sendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case a := <-d.queue:
			d.deliver(sendCtx, a)
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	n := 0
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
			n++
		default:
			d.logger.Info(ctx, "alert dispatcher stopped", "drained", n)
			return
		}
		if ctx.Err() != nil {
			d.logger.Warn(ctx, "alert dispatcher stopped before queue was empty",
				"drained", n,
				"abandoned", len(d.queue),
			)
			return
		}
	}
}

// deliver sends a to every sink. A failing sink does not stop the others.
func (d *Dispatcher) deliver(ctx context.Context, a secevents.Alert) {
	for _, s := range d.sinks {
		name := s.Name()
		if err := d.send(ctx, s, a); err != nil {
			d.logger.Error(ctx, err, "alert delivery failed",
				"sink", name,
				"alert_id", a.ID,
				"kind", string(a.Kind),
			)
			if d.onSinkError != nil {
				d.onSinkError(name)
			}
			continue
		}
		if d.onDelivered != nil {
			d.onDelivered(name)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, s Sink, a secevents.Alert) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panic: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, a)
}
