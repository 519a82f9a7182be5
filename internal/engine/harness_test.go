package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/retry"
	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

// harness drives an engine synchronously: jobs are pulled from the
// queue and executed on the test goroutine.
type harness struct {
	t     *testing.T
	e     *engineImpl
	queue taskqueue.Queue
	store persistence.Persistence
	obs   *countingObserver
}

// fastPolicy is the default policy without backoff delays.
func fastPolicy() *api.PolicySnapshot {
	p := retry.DefaultPolicy()
	for typ, rp := range p.Steps {
		rp.InitialBackoff = 0
		rp.Jitter = 0
		p.Steps[typ] = rp
	}
	return &p
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	store := persistence.NewMemoryPersistence()
	return newHarnessOn(t, store, opts...)
}

func newHarnessOn(t *testing.T, store persistence.Persistence, opts ...func(*Config)) *harness {
	t.Helper()
	obs := &countingObserver{}
	cfg := Config{
		Persistence: store,
		Queue:       taskqueue.NewInMemoryQueue(),
		Observer:    obs,
		Policy:      fastPolicy(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	e, err := newEngine(cfg)
	if err != nil {
		t.Fatalf("newEngine failed: %v", err)
	}
	return &harness{t: t, e: e, queue: cfg.Queue, store: store, obs: obs}
}

func customOnly(cfg *Config) { cfg.SkipDeckWorkflow = true }

// drain executes queued jobs until the queue is empty.
func (h *harness) drain() {
	h.t.Helper()
	ctx := context.Background()
	for i := 0; h.queue.Len() > 0; i++ {
		if i > 500 {
			h.t.Fatalf("queue did not drain, %d jobs left", h.queue.Len())
		}
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		job, err := h.queue.Dequeue(dctx, "test-worker", time.Minute)
		cancel()
		if err != nil {
			h.t.Fatalf("Dequeue failed: %v", err)
		}
		if err := h.e.ExecuteJob(ctx, *job); err != nil {
			h.t.Fatalf("ExecuteJob(%s) failed: %v", job.StepKey, err)
		}
		if err := h.queue.Ack(ctx, job.ID, "test-worker"); err != nil {
			h.t.Fatalf("Ack failed: %v", err)
		}
	}
}

func (h *harness) run(id string) *api.Run {
	h.t.Helper()
	r, err := h.e.GetRun(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetRun failed: %v", err)
	}
	return r
}

// steps returns the run's steps by key.
func (h *harness) steps(runID string) map[string]*api.RunStep {
	h.t.Helper()
	list, err := h.e.ListSteps(context.Background(), runID)
	if err != nil {
		h.t.Fatalf("ListSteps failed: %v", err)
	}
	out := make(map[string]*api.RunStep, len(list))
	for _, s := range list {
		out[s.StepKey] = s
	}
	return out
}

func (h *harness) events(runID string) []api.RunEvent {
	h.t.Helper()
	evs, err := h.e.Events(context.Background(), runID, -1, 0)
	if err != nil {
		h.t.Fatalf("Events failed: %v", err)
	}
	return evs
}

type countingObserver struct {
	api.NoopObserver
	mu       sync.Mutex
	started  int
	finished int
	retries  int
	stepErrs int
}

func (o *countingObserver) OnRunStart(context.Context, *api.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) OnRunFinished(context.Context, *api.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

func (o *countingObserver) OnStepCompleted(_ context.Context, _ *api.Run, _ *api.RunStep, err error, _ time.Duration) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepErrs++
}

func (o *countingObserver) OnStepRetry(context.Context, *api.Run, *api.RunStep, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func textEl(id, role, text string) ir.Element {
	content, _ := json.Marshal(ir.TextContent{Text: text})
	return ir.Element{ElementID: id, Kind: ir.KindText, Role: role, Content: content}
}

func bulletsEl(id string, items ...string) ir.Element {
	c := ir.BulletsContent{}
	for _, it := range items {
		c.Items = append(c.Items, ir.BulletItem{Text: it})
	}
	content, _ := json.Marshal(c)
	return ir.Element{ElementID: id, Kind: ir.KindBullets, Role: "body", Content: content}
}

// sampleIR is a small valid deck with slides s1 and s2.
func sampleIR(t *testing.T) json.RawMessage {
	t.Helper()
	spec := &ir.SlideSpec{
		SchemaVersion: ir.SchemaVersion,
		Deck:          ir.DeckMeta{Title: "Quarterly review", Language: "en"},
		Slides: []ir.Slide{
			{
				SlideID:  "s1",
				Type:     ir.SlideTitle,
				Elements: []ir.Element{textEl("s1-title", "title", "Q3 results")},
			},
			{
				SlideID: "s2",
				Type:    ir.SlideContent,
				Title:   "Highlights",
				Elements: []ir.Element{
					textEl("s2-title", "title", "Highlights"),
					bulletsEl("s2-body", "Revenue up", "Costs flat"),
				},
			},
		},
	}
	doc, err := ir.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return doc
}

// overflowingIR has a pinned text box that cannot shrink and holds far
// more text than fits.
func overflowingIR(t *testing.T) json.RawMessage {
	t.Helper()
	long := ""
	for range 60 {
		long += "overflowing words "
	}
	el := textEl("a", "body", long)
	el.Frame = &ir.Frame{X: 100, Y: 100, W: 300, H: 60}
	el.Padding = &ir.Padding{}
	el.Constraints = &ir.Constraints{AllowShrink: boolPtr(false)}
	spec := &ir.SlideSpec{
		SchemaVersion: ir.SchemaVersion,
		Deck:          ir.DeckMeta{Title: "Dense", Language: "en"},
		Slides:        []ir.Slide{{SlideID: "s1", Elements: []ir.Element{el}}},
	}
	doc, err := ir.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return doc
}
