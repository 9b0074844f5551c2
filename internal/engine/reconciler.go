package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/akilhane/studysync/internal/model"
	"github.com/akilhane/studysync/internal/remotestore"
)

// Stats tracks the number of mutations performed in a single
// reconciliation pass.
type Stats struct {
	Pushed    int // local-only records written to the remote store
	Pulled    int // remote-only records mirrored into the local cache
	Deduped   int // fingerprint duplicates collapsed to the remote copy
	Conflicts int // divergent same-id edits resolved by most-recent-wins
	Errors    int

	// ChangedTypes lists the entity types the pass mutated, in
	// dependency order.
	ChangedTypes []model.EntityType
}

// Changed reports whether the pass mutated either store.
func (s Stats) Changed() bool {
	return s.Pushed+s.Pulled+s.Deduped+s.Conflicts > 0
}

func (s *Stats) add(o Stats) {
	s.Pushed += o.Pushed
	s.Pulled += o.Pulled
	s.Deduped += o.Deduped
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
}

// Reconciler performs a single symmetric reconciliation pass between the
// local cache and the remote store for one account. It is stateless
// between calls; convergence comes from content fingerprints, not from
// tracking state.
type Reconciler struct {
	local       LocalStore
	remote      RemoteStore
	concurrency int
	log         *slog.Logger
}

// Pass reconciles all entity types for accountID, in dependency order.
// Local-only records are pushed to the remote store, remote-only records
// are mirrored into the cache, fingerprint duplicates collapse to the
// remote copy, and divergent same-id edits resolve to the most recent
// edit. It returns aggregate statistics and the first pass-aborting error
// (per-record errors are counted and reconciliation continues).
func (r *Reconciler) Pass(ctx context.Context, accountID string) (Stats, error) {
	var stats Stats

	// Filled when de-duplication collapses a local subject or session (or
	// the server reissues an id on create), consulted to re-point local
	// question and message references.
	remap := newParentRemap()

	for _, t := range model.AllTypes() {
		ts, err := r.reconcileType(ctx, t, accountID, remap)
		stats.add(ts)
		if ts.Changed() {
			stats.ChangedTypes = append(stats.ChangedTypes, t)
		}
		if err != nil {
			return stats, fmt.Errorf("reconciling %s: %w", t, err)
		}
	}

	if stats.Changed() {
		if err := recomputeQuestionCounts(ctx, r.local, r.remote, accountID, r.log); err != nil {
			r.log.Error("recomputing question counts", "error", err)
			stats.Errors++
		}
	}

	r.log.Info("reconcile complete",
		"account_id", accountID,
		"pushed", stats.Pushed,
		"pulled", stats.Pulled,
		"deduped", stats.Deduped,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
	)
	return stats, nil
}

func (r *Reconciler) reconcileType(ctx context.Context, t model.EntityType, accountID string, remap *parentRemap) (Stats, error) {
	var stats Stats

	locals, corrupt, err := r.local.List(ctx, t, accountID)
	if err != nil {
		return stats, fmt.Errorf("listing local records: %w", err)
	}
	if corrupt > 0 {
		r.log.Warn("skipping unreadable local records", "type", t, "count", corrupt)
		stats.Errors += corrupt
	}

	if !remap.empty() {
		locals = r.repointChildren(ctx, t, locals, remap, &stats)
	}

	remotes, err := r.remote.List(ctx, t, accountID)
	if err != nil {
		return stats, fmt.Errorf("listing remote records: %w", err)
	}

	localByID := make(map[string]model.Record, len(locals))
	for _, rec := range locals {
		localByID[rec.RecordID()] = rec
	}
	remoteByID := make(map[string]model.Record, len(remotes))
	remoteByKey := make(map[string]model.Record, len(remotes))
	for _, rec := range remotes {
		remoteByID[rec.RecordID()] = rec
		remoteByKey[pairKey(t, rec)] = rec
	}

	// Records the push stage will create remotely, gathered first so the
	// network writes can run concurrently below.
	var pushes []model.Record

	for _, loc := range locals {
		rem, sameID := remoteByID[loc.RecordID()]
		if sameID {
			if loc.Fingerprint() == rem.Fingerprint() {
				continue
			}
			// Divergent edits to the same record: most recent wins.
			stats.Conflicts++
			if t == model.TypeQuizResults {
				// Results are immutable, so a divergent same-id result means
				// one copy is damaged. Restore the cache from the remote copy
				// rather than rewriting history remotely.
				if err := r.local.Put(ctx, t, rem); err != nil {
					r.log.Error("restoring quiz result", "id", rem.RecordID(), "error", err)
					stats.Errors++
				}
				continue
			}
			if loc.ModTime().After(rem.ModTime()) {
				if err := r.remote.Update(ctx, t, loc.RecordID(), loc); err != nil {
					if remotestore.IsAuthExpired(err) {
						return stats, err
					}
					r.log.Error("pushing conflicting edit", "type", t, "id", loc.RecordID(), "error", err)
					stats.Errors++
				}
			} else {
				if err := r.local.Put(ctx, t, rem); err != nil {
					r.log.Error("pulling conflicting edit", "type", t, "id", rem.RecordID(), "error", err)
					stats.Errors++
				}
			}
			continue
		}

		rem, matched := remoteByKey[pairKey(t, loc)]
		if !matched {
			pushes = append(pushes, loc)
			continue
		}

		// Distinct ids, same pairing key: apply the merge policy.
		switch res := Resolve(t, loc, rem); res.Decision {
		case DecisionKeepRemote:
			if err := r.collapseLocal(ctx, t, loc, rem, remap); err != nil {
				r.log.Error("collapsing duplicate", "type", t, "id", loc.RecordID(), "error", err)
				stats.Errors++
				continue
			}
			stats.Deduped++

		case DecisionMerge:
			if err := r.remote.Update(ctx, t, rem.RecordID(), res.Merged); err != nil {
				if remotestore.IsAuthExpired(err) {
					return stats, err
				}
				r.log.Error("merging records", "type", t, "id", rem.RecordID(), "error", err)
				stats.Errors++
				continue
			}
			if err := r.collapseLocal(ctx, t, loc, res.Merged, remap); err != nil {
				r.log.Error("collapsing merged record", "type", t, "id", loc.RecordID(), "error", err)
				stats.Errors++
				continue
			}
			stats.Conflicts++

		default:
			pushes = append(pushes, loc)
		}
	}

	ps, err := r.push(ctx, t, pushes, remap)
	stats.add(ps)
	if err != nil {
		return stats, err
	}

	// Mirror remote-only records into the cache.
	localByKey := make(map[string]bool, len(locals))
	for _, rec := range locals {
		localByKey[pairKey(t, rec)] = true
	}
	for _, rem := range remotes {
		if _, ok := localByID[rem.RecordID()]; ok {
			continue
		}
		if localByKey[pairKey(t, rem)] {
			continue // already collapsed or resolved above
		}
		if err := r.local.Put(ctx, t, rem); err != nil {
			r.log.Error("mirroring remote record", "type", t, "id", rem.RecordID(), "error", err)
			stats.Errors++
			continue
		}
		stats.Pulled++
	}

	return stats, nil
}

// push creates the given records remotely with bounded concurrency and
// refreshes the cached copy from the remote echo. A server-reissued id
// replaces the local copy and is recorded so dependent records get
// re-pointed. An expired credential aborts the whole pass; quota exhaustion
// stops the remaining pushes of this type but lets the pass continue.
func (r *Reconciler) push(ctx context.Context, t model.EntityType, pushes []model.Record, remap *parentRemap) (Stats, error) {
	var stats Stats
	if len(pushes) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	var quota atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, loc := range pushes {
		if quota.Load() {
			break
		}
		g.Go(func() error {
			created, err := r.remote.Create(gctx, t, loc)
			if err != nil {
				if remotestore.IsAuthExpired(err) {
					return err
				}
				if remotestore.IsQuotaExceeded(err) {
					quota.Store(true)
				}
				r.log.Error("pushing record", "type", t, "id", loc.RecordID(), "error", err)
				mu.Lock()
				stats.Errors++
				mu.Unlock()
				return nil
			}
			if created.RecordID() != loc.RecordID() {
				if err := r.local.Delete(gctx, t, loc.RecordID()); err != nil {
					r.log.Error("removing superseded cached record", "type", t, "id", loc.RecordID(), "error", err)
				}
				mu.Lock()
				remap.record(t, loc.RecordID(), created.RecordID())
				mu.Unlock()
			}
			if err := r.local.Put(gctx, t, created); err != nil {
				r.log.Error("refreshing cached record", "type", t, "id", created.RecordID(), "error", err)
			}
			mu.Lock()
			stats.Pushed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// collapseLocal replaces a local duplicate with the surviving remote copy
// and records the id mapping so dependent records get re-pointed.
func (r *Reconciler) collapseLocal(ctx context.Context, t model.EntityType, loc, survivor model.Record, remap *parentRemap) error {
	if err := r.local.Delete(ctx, t, loc.RecordID()); err != nil {
		return err
	}
	if err := r.local.Put(ctx, t, survivor); err != nil {
		return err
	}
	remap.record(t, loc.RecordID(), survivor.RecordID())
	return nil
}

// repointChildren rewrites local parent references that point at subjects
// or sessions collapsed earlier in the pass.
func (r *Reconciler) repointChildren(ctx context.Context, t model.EntityType, locals []model.Record, remap *parentRemap, stats *Stats) []model.Record {
	out := make([]model.Record, 0, len(locals))
	for _, rec := range locals {
		cp := rec.Clone()
		if !remap.apply(cp) {
			out = append(out, rec)
			continue
		}
		if err := r.local.Put(ctx, t, cp); err != nil {
			r.log.Error("re-pointing parent reference", "type", t, "id", rec.RecordID(), "error", err)
			stats.Errors++
			out = append(out, rec)
			continue
		}
		out = append(out, cp)
	}
	return out
}

// recomputeQuestionCounts rewrites each remote subject's derived question
// count from the current remote question collection, mirroring the change
// into the cache. Counts already correct are left untouched. Shared by the
// reconciler and the migrator, since both can leave a stored count stale.
func recomputeQuestionCounts(ctx context.Context, local LocalStore, remote RemoteStore, accountID string, log *slog.Logger) error {
	questions, err := remote.List(ctx, model.TypeQuestions, accountID)
	if err != nil {
		return fmt.Errorf("listing remote questions: %w", err)
	}
	counts := make(map[string]int)
	for _, rec := range questions {
		counts[rec.(*model.Question).SubjectID]++
	}

	subjects, err := remote.List(ctx, model.TypeSubjects, accountID)
	if err != nil {
		return fmt.Errorf("listing remote subjects: %w", err)
	}
	for _, rec := range subjects {
		sub := rec.(*model.Subject)
		if sub.QuestionCount == counts[sub.ID] {
			continue
		}
		cp := sub.Clone().(*model.Subject)
		cp.QuestionCount = counts[sub.ID]
		if err := remote.Update(ctx, model.TypeSubjects, cp.ID, cp); err != nil {
			return fmt.Errorf("updating question count for %s: %w", cp.ID, err)
		}
		if err := local.Put(ctx, model.TypeSubjects, cp); err != nil {
			log.Error("caching recomputed question count", "id", cp.ID, "error", err)
		}
	}
	return nil
}
