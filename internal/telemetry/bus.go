package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Observer receives request telemetry. Implementations must not mutate the
// payload; it is shared across observers.
type Observer interface {
	Name() string
	OnSuccess(ctx context.Context, p *Payload)
	OnFailure(ctx context.Context, p *Payload, err error)
}

// ShutdownObserver is implemented by observers that buffer (S3, tracing) and
// need a drain on close.
type ShutdownObserver interface {
	Observer
	Shutdown(ctx context.Context) error
}

// PreCallObserver is implemented by observers that want the pre-call event,
// fired once per request before the first attempt.
type PreCallObserver interface {
	OnPreCall(ctx context.Context, p *Payload)
}

// AttemptObserver is implemented by observers that want every failed attempt,
// not just the terminal outcome. Attempt events carry the request's trace id
// so retries can be correlated.
type AttemptObserver interface {
	OnAttempt(ctx context.Context, p *Payload, err error)
}

// BusConfig tunes the telemetry bus.
type BusConfig struct {
	// TurnOffMessageLogging scrubs message and response content from every
	// payload before dispatch.
	TurnOffMessageLogging bool

	// AsyncQueueSize bounds the async dispatch queue; events beyond it are
	// dropped with a warning rather than blocking the request path.
	AsyncQueueSize int
}

type registration struct {
	id       uint64
	observer Observer
}

type eventKind int

const (
	eventSuccess eventKind = iota
	eventFailure
	eventPreCall
	eventAttempt
)

type event struct {
	kind    eventKind
	payload *Payload
	err     error
}

// Bus fans request telemetry out to observers. Sync observers run inline in
// registration order; async observers are fed by one dispatcher goroutine so
// events stay ordered.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	sync   []registration
	async  []registration

	cfg    BusConfig
	queue  chan event
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Handle unregisters one observer registration.
type Handle struct {
	bus   *Bus
	id    uint64
	async bool
}

// Unregister removes the observer. Safe to call more than once.
func (h *Handle) Unregister() {
	if h.bus == nil {
		return
	}
	h.bus.remove(h.id, h.async)
	h.bus = nil
}

// NewBus creates a telemetry bus and starts its async dispatcher.
func NewBus(cfg BusConfig, logger *slog.Logger) *Bus {
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		cfg:    cfg,
		queue:  make(chan event, cfg.AsyncQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// RegisterSync adds an observer invoked inline on the request path.
func (b *Bus) RegisterSync(o Observer) *Handle {
	return b.register(o, false)
}

// RegisterAsync adds an observer fed off the request path.
func (b *Bus) RegisterAsync(o Observer) *Handle {
	return b.register(o, true)
}

func (b *Bus) register(o Observer, async bool) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	reg := registration{id: b.nextID, observer: o}
	if async {
		b.async = append(b.async, reg)
	} else {
		b.sync = append(b.sync, reg)
	}
	return &Handle{bus: b, id: reg.id, async: async}
}

func (b *Bus) remove(id uint64, async bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := &b.sync
	if async {
		list = &b.async
	}
	for i, reg := range *list {
		if reg.id == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// ObserverCount returns the number of registered observers.
func (b *Bus) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sync) + len(b.async)
}

// EmitSuccess dispatches a success payload.
func (b *Bus) EmitSuccess(ctx context.Context, p *Payload) {
	b.emit(ctx, event{kind: eventSuccess, payload: p})
}

// EmitFailure dispatches a failure payload.
func (b *Bus) EmitFailure(ctx context.Context, p *Payload, err error) {
	b.emit(ctx, event{kind: eventFailure, payload: p, err: err})
}

// EmitPreCall dispatches the pre-call event for a request.
func (b *Bus) EmitPreCall(ctx context.Context, p *Payload) {
	b.emit(ctx, event{kind: eventPreCall, payload: p})
}

// EmitAttempt dispatches one failed attempt. Per request, attempt events land
// between pre-call and the terminal success or failure.
func (b *Bus) EmitAttempt(ctx context.Context, p *Payload, err error) {
	b.emit(ctx, event{kind: eventAttempt, payload: p, err: err})
}

func (b *Bus) emit(ctx context.Context, ev event) {
	if b.cfg.TurnOffMessageLogging {
		ScrubMessages(ev.payload)
	}

	b.mu.RLock()
	syncObs := make([]registration, len(b.sync))
	copy(syncObs, b.sync)
	hasAsync := len(b.async) > 0
	closed := b.closed
	b.mu.RUnlock()

	for _, reg := range syncObs {
		b.invoke(ctx, reg.observer, ev)
	}

	if !hasAsync || closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("telemetry queue full, event dropped", "trace_id", ev.payload.TraceID)
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.fanOutAsync(ev)
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.fanOutAsync(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOutAsync(ev event) {
	b.mu.RLock()
	asyncObs := make([]registration, len(b.async))
	copy(asyncObs, b.async)
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, reg := range asyncObs {
		b.invoke(ctx, reg.observer, ev)
	}
}

// invoke shields the bus from observer panics. Pre-call and attempt events
// only reach observers that opt in through the extension interfaces.
func (b *Bus) invoke(ctx context.Context, o Observer, ev event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("telemetry observer panicked", "observer", o.Name(), "panic", r)
		}
	}()
	switch ev.kind {
	case eventPreCall:
		if po, ok := o.(PreCallObserver); ok {
			po.OnPreCall(ctx, ev.payload)
		}
	case eventAttempt:
		if ao, ok := o.(AttemptObserver); ok {
			ao.OnAttempt(ctx, ev.payload, ev.err)
		}
	case eventFailure:
		o.OnFailure(ctx, ev.payload, ev.err)
	default:
		o.OnSuccess(ctx, ev.payload)
	}
}

// Close stops the dispatcher, drains the queue, and shuts down observers.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.mu.RLock()
	all := append(append([]registration{}, b.sync...), b.async...)
	b.mu.RUnlock()

	var firstErr error
	for _, reg := range all {
		if so, ok := reg.observer.(ShutdownObserver); ok {
			if err := so.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
