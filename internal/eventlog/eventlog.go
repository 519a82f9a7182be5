// Package eventlog is the append-only, per-run ordered event log. Appends
// for one run are serialized; subscribers replay stored events and then
// follow live appends without gaps or reordering.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/pkg/api"
)

const (
	// DefaultPollInterval bounds how stale a subscriber can get when the
	// append happened in another process.
	DefaultPollInterval = 500 * time.Millisecond

	replayPage = 256
	bufferSize = 64
)

// Log appends events through an EventStore and fans them out to
// subscribers in this process.
type Log struct {
	store  persistence.EventStore
	logger *slog.Logger
	now    func() time.Time
	poll   time.Duration

	runLocks sync.Map // run id -> *sync.Mutex

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger for dropped-subscriber diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Log) { lg.now = now }
}

// WithPollInterval sets how often idle subscribers re-read the store.
func WithPollInterval(d time.Duration) Option {
	return func(lg *Log) {
		if d > 0 {
			lg.poll = d
		}
	}
}

// New returns a Log backed by store.
func New(store persistence.EventStore, opts ...Option) *Log {
	l := &Log{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		poll:   DefaultPollInterval,
		subs:   make(map[string]map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ api.Emitter = (*Log)(nil)

func (l *Log) runLock(runID string) *sync.Mutex {
	m, _ := l.runLocks.LoadOrStore(runID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Append stores one event and wakes the run's subscribers. payload may be
// a json.RawMessage or any value encoding/json accepts.
func (l *Log) Append(ctx context.Context, runID string, typ api.EventType, payload any) (api.RunEvent, error) {
	if !typ.Valid() {
		return api.RunEvent{}, fmt.Errorf("eventlog: unknown event type %q", typ)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return api.RunEvent{}, fmt.Errorf("eventlog: encode %s payload: %w", typ, err)
	}

	mu := l.runLock(runID)
	mu.Lock()
	ev, err := l.store.AppendEvent(ctx, runID, typ, raw, l.now().UTC())
	mu.Unlock()
	if err != nil {
		return api.RunEvent{}, fmt.Errorf("eventlog: append: %w", err)
	}

	l.notify(runID)
	return ev, nil
}

// Emit implements api.Emitter.
func (l *Log) Emit(ctx context.Context, runID string, typ api.EventType, payload any) error {
	_, err := l.Append(ctx, runID, typ, payload)
	return err
}

// List returns stored events with seq > afterSeq, at most limit of them
// (limit <= 0 means all).
func (l *Log) List(ctx context.Context, runID string, afterSeq int64, limit int) ([]api.RunEvent, error) {
	events, err := l.store.ListEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return events, nil
}

// Subscribe replays events with seq > afterSeq (-1 replays everything) and
// then follows new appends until ctx is done, when the channel is closed.
// Delivery is ordered and at-least-once: a consumer that reconnects with
// the last seq it saw continues exactly where it left off.
func (l *Log) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan api.RunEvent, error) {
	// Register before the first read so no append slips between the two.
	wake := l.register(runID)
	first, err := l.store.ListEvents(ctx, runID, afterSeq, replayPage)
	if err != nil {
		l.unregister(runID, wake)
		return nil, fmt.Errorf("eventlog: subscribe: %w", err)
	}

	out := make(chan api.RunEvent, bufferSize)

	go func() {
		defer close(out)
		defer l.unregister(runID, wake)

		ticker := time.NewTicker(l.poll)
		defer ticker.Stop()

		cursor := afterSeq
		batch := first
		var err error
		for {
			for _, ev := range batch {
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			// A full page means more history to drain before waiting.
			if len(batch) < replayPage {
				select {
				case <-ctx.Done():
					return
				case <-wake:
				case <-ticker.C:
				}
			}

			batch, err = l.store.ListEvents(ctx, runID, cursor, replayPage)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.WarnContext(ctx, "event_subscriber_read_failed",
					slog.String("run_id", runID),
					slog.Int64("after_seq", cursor),
					slog.String("error", err.Error()),
				)
				batch = nil
			}
		}
	}()

	return out, nil
}

func (l *Log) register(runID string) chan struct{} {
	wake := make(chan struct{}, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.subs[runID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		l.subs[runID] = set
	}
	set[wake] = struct{}{}
	return wake
}

func (l *Log) unregister(runID string, wake chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.subs[runID]
	delete(set, wake)
	if len(set) == 0 {
		delete(l.subs, runID)
	}
}

func (l *Log) notify(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for wake := range l.subs[runID] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Subscribers reports how many live subscriptions a run has.
func (l *Log) Subscribers(runID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[runID])
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
