package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/linnemanlabs/hush/internal/alert"
	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/snapshot"
	"github.com/linnemanlabs/hush/internal/snapshot/memstore"
)

// failingStore fails every call and counts them.
type failingStore struct {
	mu    sync.Mutex
	saves int
	loads int
}

func (f *failingStore) Save(context.Context, *correlate.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return errors.New("disk full")
}

func (f *failingStore) Load(context.Context) (*correlate.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return nil, false, errors.New("connection refused")
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		Rule:  alert.Rule{ID: "9001", Level: 14, Description: "Mimikatz credential dumping detected"},
		Agent: alert.Agent{Name: "db-prod-02"},
	}
}

func counter(t *testing.T, m prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatal(err)
	}
	return pb.GetCounter().GetValue()
}

func TestFlush_SkipsUnchangedRevision(t *testing.T) {
	t.Parallel()

	eng := correlate.NewEngine()
	store := memstore.New()
	p := snapshot.NewPersister(eng, store)
	ctx := context.Background()

	// fresh engine, nothing to save
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.Saves() != 0 {
		t.Errorf("Saves = %d, want 0", store.Saves())
	}

	eng.ProcessAlert(ctx, testAlert())
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.Saves() != 1 {
		t.Errorf("Saves = %d, want 1", store.Saves())
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()

	src := correlate.NewEngine()
	inc := src.ProcessAlert(ctx, testAlert())
	src.ProcessAlert(ctx, testAlert())
	if err := snapshot.NewPersister(src, store).Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dst := correlate.NewEngine()
	p := snapshot.NewPersister(dst, store)
	if !p.Restore(ctx) {
		t.Fatal("Restore returned false")
	}

	got, ok := dst.Incident(inc.ID)
	if !ok || got.Count != 2 {
		t.Fatalf("restored incident = %+v, %v", got, ok)
	}
	if st := dst.Stats(); st.Processed != 2 || st.Folded != 1 {
		t.Errorf("Stats = %+v", st)
	}

	// restored revision counts as saved
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if store.Saves() != 1 {
		t.Errorf("Saves = %d, want 1 (no resave after restore)", store.Saves())
	}
}

func TestRestore_EmptyStore(t *testing.T) {
	t.Parallel()

	eng := correlate.NewEngine()
	if snapshot.NewPersister(eng, memstore.New()).Restore(context.Background()) {
		t.Error("Restore = true for empty store")
	}
}

func TestRestore_FailureStartsEmpty(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := snapshot.NewMetrics(reg)

	eng := correlate.NewEngine()
	fs := &failingStore{}
	p := snapshot.NewPersister(eng, fs, snapshot.WithMetrics(m))

	if p.Restore(context.Background()) {
		t.Error("Restore = true on failing store")
	}
	if len(eng.Incidents()) != 0 {
		t.Error("engine should stay empty")
	}
	if got := counter(t, m.RestoresTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("restore errors = %v, want 1", got)
	}
}

func TestFlush_ErrorIsReturnedAndRetried(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := snapshot.NewMetrics(reg)

	eng := correlate.NewEngine()
	fs := &failingStore{}
	p := snapshot.NewPersister(eng, fs, snapshot.WithMetrics(m))
	ctx := context.Background()

	eng.ProcessAlert(ctx, testAlert())
	if err := p.Flush(ctx); err == nil {
		t.Fatal("expected error")
	}
	// revision was not marked saved, so the next flush tries again
	if err := p.Flush(ctx); err == nil {
		t.Fatal("expected error")
	}
	if fs.saves != 2 {
		t.Errorf("saves = %d, want 2", fs.saves)
	}
	if got := counter(t, m.SavesTotal.WithLabelValues("error")); got != 2 {
		t.Errorf("save errors = %v, want 2", got)
	}
}

func TestRun_PeriodicAndFinalFlush(t *testing.T) {
	t.Parallel()

	eng := correlate.NewEngine()
	store := memstore.New()
	p := snapshot.NewPersister(eng, store, snapshot.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	eng.ProcessAlert(ctx, testAlert())
	deadline := time.Now().Add(2 * time.Second)
	for store.Saves() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Saves() == 0 {
		t.Fatal("periodic flush never happened")
	}

	// a change right before shutdown is caught by the final flush
	eng.Purge(context.Background())
	cancel()
	<-done

	got, ok, err := store.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if got.Revision != eng.Revision() {
		t.Errorf("stored revision = %d, want %d", got.Revision, eng.Revision())
	}
	if len(got.Incidents) != 0 || got.Processed != 0 {
		t.Errorf("final snapshot should reflect the purge: %+v", got)
	}
}

func TestRun_SwallowsErrors(t *testing.T) {
	t.Parallel()

	eng := correlate.NewEngine()
	fs := &failingStore{}
	p := snapshot.NewPersister(eng, fs, snapshot.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	eng.ProcessAlert(ctx, testAlert())
	p.Run(ctx) // returns once ctx is done, despite every save failing

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.saves < 2 {
		t.Errorf("saves = %d, want repeated attempts", fs.saves)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	in := &correlate.Snapshot{Revision: 9, Processed: 4, Incidents: []*correlate.Incident{{ID: "01A"}}}
	b, err := snapshot.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := snapshot.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Revision != 9 || out.Processed != 4 || len(out.Incidents) != 1 {
		t.Errorf("got %+v", out)
	}
	if _, err := snapshot.Decode([]byte("nope")); err == nil {
		t.Error("expected error")
	}
}
