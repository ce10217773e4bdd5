package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/specflow/pkg/engine"
)

// EventSubscriber handles a published event.
type EventSubscriber func(ctx context.Context, event *engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans orchestration events out to subscribers. With async
// delivery enabled events are queued and delivered in publish order from a
// single goroutine; otherwise Publish delivers inline.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan *engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan *engine.Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish implements engine.EventPublisher. When the async buffer is full
// the call waits for room or for ctx.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.buffer == nil {
		ep.deliver(ctx, event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	case <-ctx.Done():
		return fmt.Errorf("event %s dropped: %w", event.Type, ctx.Err())
	}
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(context.Background(), event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(ctx context.Context, event *engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(ctx, event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// EventAppender is the part of the state store that persists events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// StoreSink returns a subscriber that appends every event to the store's
// event log. Failures are logged and otherwise ignored.
func StoreSink(store EventAppender, logger zerolog.Logger) EventSubscriber {
	return func(ctx context.Context, event *engine.Event) {
		if err := store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
			logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to persist event")
		}
	}
}

// LogSink returns a subscriber that writes events to the logger. Drift and
// blocking events are logged at warn level.
func LogSink(logger zerolog.Logger) EventSubscriber {
	return func(_ context.Context, event *engine.Event) {
		e := logger.Info()
		switch event.Type {
		case engine.EventItemBlocked, engine.EventDriftDetected, engine.EventCheckpointHalted:
			e = logger.Warn()
		case engine.EventSessionOutput, engine.EventItemRetrying:
			e = logger.Debug()
		}
		if event.ItemID != "" {
			e = e.Str("item", event.ItemID)
		}
		if event.Phase != "" {
			e = e.Str("phase", string(event.Phase))
		}
		e.Str("event", string(event.Type)).Msg(event.Message)
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByItem creates a filter that only allows events for one item.
func FilterByItem(itemID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.ItemID == itemID
	}
}
