package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/akilhane/studysync/internal/model"
	"github.com/akilhane/studysync/internal/notify"
)

func TestScheduler_SyncNowPublishesEvent(t *testing.T) {
	local := newMockLocal()
	local.seed(model.TypeSubjects, testSubject("sub-1", accountID, "Biology", true, t0))
	hub := &mockHub{}
	eng := newTestEngine(local, newMockRemote(), hub)

	if _, err := eng.Scheduler.SyncNow(context.Background(), accountID); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	events := hub.published()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Scope != notify.ScopeSync || events[0].OwnerID != accountID {
		t.Errorf("event = %+v", events[0])
	}
}

func TestScheduler_NoEventWhenNothingChanged(t *testing.T) {
	hub := &mockHub{}
	eng := newTestEngine(newMockLocal(), newMockRemote(), hub)

	if _, err := eng.Scheduler.SyncNow(context.Background(), accountID); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if n := len(hub.published()); n != 0 {
		t.Errorf("events = %d, want 0 for a no-op pass", n)
	}
}

func TestScheduler_StartRunsImmediatePass(t *testing.T) {
	local := newMockLocal()
	local.seed(model.TypeSubjects, testSubject("sub-1", accountID, "Biology", true, t0))
	remote := newMockRemote()
	eng := newTestEngine(local, remote, &mockHub{})

	eng.Scheduler.Start(context.Background(), accountID)
	defer eng.Scheduler.Stop()

	deadline := time.After(2 * time.Second)
	for remote.count(model.TypeSubjects) == 0 {
		select {
		case <-deadline:
			t.Fatal("immediate pass never pushed the subject")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScheduler_StartTwiceIsNoop(t *testing.T) {
	eng := newTestEngine(newMockLocal(), newMockRemote(), &mockHub{})
	eng.Scheduler.Start(context.Background(), accountID)
	eng.Scheduler.Start(context.Background(), accountID)
	eng.Scheduler.Stop()
}

func TestScheduler_TriggersCoalesce(t *testing.T) {
	// A slow local store holds the first pass open while triggers pile up;
	// the buffered slot must collapse them into one follow-up pass.
	local := &slowLocal{mockLocal: newMockLocal(), delay: 50 * time.Millisecond}
	local.seed(model.TypeSubjects, testSubject("sub-1", accountID, "Biology", true, t0))
	remote := newMockRemote()
	eng := New(local, remote, &mockHub{}, Options{
		WriteConcurrency: 1,
		Interval:         time.Hour,
		Logger:           slog.Default(),
	})

	eng.Scheduler.Start(context.Background(), accountID)
	for i := 0; i < 20; i++ {
		eng.Scheduler.Trigger(accountID)
	}
	time.Sleep(300 * time.Millisecond)
	eng.Scheduler.Stop()

	// Immediate pass plus at most one coalesced follow-up (a later trigger
	// may land after the follow-up started, allowing one more).
	if n := local.listCalls(); n > 3*len(model.AllTypes()) {
		t.Errorf("list calls = %d, triggers were not coalesced", n)
	}
}

func TestScheduler_StopWaitsForInflightPass(t *testing.T) {
	local := &slowLocal{mockLocal: newMockLocal(), delay: 30 * time.Millisecond}
	local.seed(model.TypeSubjects, testSubject("sub-1", accountID, "Biology", true, t0))
	eng := newTestEngine(local, newMockRemote(), &mockHub{})

	eng.Scheduler.Start(context.Background(), accountID)
	time.Sleep(10 * time.Millisecond) // let the immediate pass begin
	eng.Scheduler.Stop()

	// After Stop returns, no pass may still be touching the stores.
	before := local.listCalls()
	time.Sleep(100 * time.Millisecond)
	if after := local.listCalls(); after != before {
		t.Errorf("store accessed after Stop: %d → %d list calls", before, after)
	}
}

func TestScheduler_StopLetsInflightPassFinish(t *testing.T) {
	// Stop must not abort a pass already under way: the pass keeps its
	// context and every remote call in it still succeeds.
	local := &slowLocal{mockLocal: newMockLocal(), delay: 30 * time.Millisecond}
	local.seed(model.TypeSubjects, testSubject("sub-1", accountID, "Biology", true, t0))
	remote := &ctxRemote{newMockRemote()}
	eng := newTestEngine(local, remote, &mockHub{})

	eng.Scheduler.Start(context.Background(), accountID)
	time.Sleep(10 * time.Millisecond) // pass is mid-listing
	eng.Scheduler.Stop()

	if remote.count(model.TypeSubjects) != 1 {
		t.Error("in-flight pass was aborted by Stop")
	}
}

func TestScheduler_PerAccountLockSharedWithMigrator(t *testing.T) {
	// A migration and a sync pass for the same account must serialize.
	local := &slowLocal{mockLocal: newMockLocal(), delay: 30 * time.Millisecond}
	local.seed(model.TypeSubjects, testSubject("sub-1", guestID, "Biology", true, t0))
	eng := newTestEngine(local, newMockRemote(), &mockHub{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.Migrator.MigrateGuestData(context.Background(), guestID, accountID)
	}()
	time.Sleep(10 * time.Millisecond)

	if _, err := eng.Scheduler.SyncNow(context.Background(), accountID); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("migration never finished")
	}
	// SyncNow acquired the lock after migration, so the migrated subject
	// was already re-keyed and must not be duplicated.
	if local.count(model.TypeSubjects, accountID) != 1 {
		t.Errorf("account subjects = %d, want 1", local.count(model.TypeSubjects, accountID))
	}
}

// slowLocal delays List calls to keep passes in flight during scheduler tests.
type slowLocal struct {
	*mockLocal
	delay time.Duration
	calls int64
}

func (s *slowLocal) List(ctx context.Context, t model.EntityType, ownerID string) ([]model.Record, int, error) {
	s.mockLocal.mu.Lock()
	s.calls++
	s.mockLocal.mu.Unlock()
	time.Sleep(s.delay)
	return s.mockLocal.List(ctx, t, ownerID)
}

func (s *slowLocal) listCalls() int {
	s.mockLocal.mu.Lock()
	defer s.mockLocal.mu.Unlock()
	return int(s.calls)
}

// ctxRemote fails any call whose context was cancelled, the way the HTTP
// client does.
type ctxRemote struct {
	*mockRemote
}

func (c *ctxRemote) Create(ctx context.Context, t model.EntityType, rec model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.mockRemote.Create(ctx, t, rec)
}

func (c *ctxRemote) List(ctx context.Context, t model.EntityType, ownerID string) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.mockRemote.List(ctx, t, ownerID)
}
