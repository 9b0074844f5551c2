package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akilhane/studysync/internal/model"
	"github.com/akilhane/studysync/internal/notify"
	"github.com/akilhane/studysync/internal/remotestore"
)

// TypeOutcome counts what happened to one entity type during migration.
type TypeOutcome struct {
	Created int // written to the remote store as new records
	Merged  int // divergent pairs resolved by updating the remote copy
	Skipped int // fingerprint duplicates, remote copy kept
	Failed  int // per-record failures, left guest-scoped for retry
}

// MigrationReport summarizes one guest-to-account migration run.
type MigrationReport struct {
	PerType    map[model.EntityType]TypeOutcome
	SnapshotID string
	Duration   time.Duration
}

// Changed returns the number of remote writes (creates plus merges).
func (r *MigrationReport) Changed() int {
	n := 0
	for _, out := range r.PerType {
		n += out.Created + out.Merged
	}
	return n
}

// Failures returns the total per-record failure count across all types.
func (r *MigrationReport) Failures() int {
	n := 0
	for _, out := range r.PerType {
		n += out.Failed
	}
	return n
}

// Complete reports whether every record was handled. A complete run leaves
// no guest-scoped data behind.
func (r *MigrationReport) Complete() bool { return r.Failures() == 0 }

// Migrator moves all guest-scoped records in the local cache into an
// account, de-duplicating against the records the account already holds
// remotely. Create one via [New].
type Migrator struct {
	local  LocalStore
	remote RemoteStore
	hub    Notifier
	locks  *accountLocks
	log    *slog.Logger
}

// HasGuestData reports whether the local cache holds any records under the
// given guest scope.
func (m *Migrator) HasGuestData(ctx context.Context, guestID string) (bool, error) {
	counts, err := m.local.Counts(ctx, guestID)
	if err != nil {
		return false, fmt.Errorf("counting guest records: %w", err)
	}
	for _, n := range counts {
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// HasAccountData reports whether the remote store holds any records for the
// account. Used by the caller to warn before merging into a non-empty
// account.
func (m *Migrator) HasAccountData(ctx context.Context, accountID string) (bool, error) {
	for _, t := range model.AllTypes() {
		recs, err := m.remote.List(ctx, t, accountID)
		if err != nil {
			return false, fmt.Errorf("listing remote %s: %w", t, err)
		}
		if len(recs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// MigrateGuestData migrates every guest-scoped record into accountID.
//
// Entity types are processed in dependency order so that a question's
// subject already exists remotely when the question is written. Within a
// type, each guest record is matched against the account's remote records:
// unmatched records are created remotely, matched ones go through [Resolve]
// and the resulting decision is executed against the remote store.
// Successfully handled records are re-keyed to the account scope locally;
// failed ones stay guest-scoped, so a retry picks up exactly the remainder.
//
// The operation is idempotent: re-running after a complete migration finds
// an empty guest scope and performs no writes. A snapshot of the guest data
// is saved before the first write and its id returned in the report.
//
// Per-record failures are counted and migration continues. An expired
// credential or an unreachable remote store aborts the pass; the partial
// report is still returned alongside the error.
func (m *Migrator) MigrateGuestData(ctx context.Context, guestID, accountID string) (*MigrationReport, error) {
	mu := m.locks.forAccount(accountID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	rep := &MigrationReport{PerType: make(map[model.EntityType]TypeOutcome)}

	hasData, err := m.HasGuestData(ctx, guestID)
	if err != nil {
		return rep, err
	}
	if !hasData {
		m.log.Info("no guest data to migrate", "guest_id", guestID)
		rep.Duration = time.Since(start)
		return rep, nil
	}

	snapID, err := m.local.SaveSnapshot(ctx, guestID)
	if err != nil {
		return rep, fmt.Errorf("saving pre-migration snapshot: %w", err)
	}
	rep.SnapshotID = snapID

	// Filled by the subjects and sessions passes, consulted when
	// re-pointing question and message references.
	remap := newParentRemap()

	var changed []model.EntityType
	for _, t := range model.AllTypes() {
		out, err := m.migrateType(ctx, t, guestID, accountID, remap)
		rep.PerType[t] = out
		if out.Created+out.Merged+out.Skipped > 0 {
			changed = append(changed, t)
		}
		if err != nil {
			rep.Duration = time.Since(start)
			return rep, fmt.Errorf("migrating %s: %w", t, err)
		}
		// Subject counts are derived, never trusted: once the questions have
		// landed, rewrite any remote subject whose stored count went stale.
		if t == model.TypeQuestions {
			sub := rep.PerType[model.TypeSubjects]
			if sub.Created+sub.Merged+out.Created > 0 {
				if err := recomputeQuestionCounts(ctx, m.local, m.remote, accountID, m.log); err != nil {
					m.log.Error("recomputing question counts", "error", err)
				}
			}
		}
	}

	rep.Duration = time.Since(start)
	m.log.Info("migration complete",
		"guest_id", guestID,
		"account_id", accountID,
		"changed", rep.Changed(),
		"failed", rep.Failures(),
		"duration", rep.Duration,
	)

	if len(changed) > 0 {
		m.hub.Publish(notify.Event{
			Scope:       notify.ScopeMigration,
			EntityTypes: changed,
			OwnerID:     accountID,
		})
	}
	return rep, nil
}

// migrated links a handled guest record to its account-scoped counterpart.
type migrated struct {
	guestRecordID string
	account       model.Record
}

func (m *Migrator) migrateType(ctx context.Context, t model.EntityType, guestID, accountID string, remap *parentRemap) (TypeOutcome, error) {
	var out TypeOutcome

	locals, corrupt, err := m.local.List(ctx, t, guestID)
	if err != nil {
		return out, fmt.Errorf("listing local records: %w", err)
	}
	if corrupt > 0 {
		m.log.Warn("skipping unreadable local records", "type", t, "count", corrupt)
		out.Failed += corrupt
	}
	if len(locals) == 0 {
		return out, nil
	}

	remotes, err := m.remote.List(ctx, t, accountID)
	if err != nil {
		return out, fmt.Errorf("listing remote records: %w", err)
	}
	remoteByKey := make(map[string]model.Record, len(remotes))
	for _, rem := range remotes {
		remoteByKey[pairKey(t, rem)] = rem
	}

	var done []migrated

	// ownerOnly stays true while every handled record differs from its
	// guest copy by owner alone, which lets the re-key below run as one
	// bulk transaction instead of per-record rewrites.
	ownerOnly := true

records:
	for _, loc := range locals {
		cand := loc.Clone()
		cand.SetOwner(accountID)
		if remap.apply(cand) {
			ownerOnly = false
		}

		rem, matched := remoteByKey[pairKey(t, cand)]
		if !matched {
			created, err := m.remote.Create(ctx, t, cand)
			if err != nil {
				out.Failed++
				if remotestore.IsAuthExpired(err) {
					return out, err
				}
				if remotestore.IsQuotaExceeded(err) {
					m.log.Warn("remote quota exhausted, skipping remaining records of type",
						"type", t, "error", err)
					break records
				}
				m.log.Error("creating remote record", "type", t, "id", cand.RecordID(), "error", err)
				continue
			}
			out.Created++
			remap.record(t, loc.RecordID(), created.RecordID())
			if created.RecordID() != loc.RecordID() {
				ownerOnly = false
			}
			done = append(done, migrated{loc.RecordID(), created})
			continue
		}

		res := Resolve(t, cand, rem)
		switch res.Decision {
		case DecisionKeepRemote:
			out.Skipped++
			remap.record(t, loc.RecordID(), rem.RecordID())
			ownerOnly = false
			done = append(done, migrated{loc.RecordID(), rem})

		case DecisionMerge:
			if err := m.remote.Update(ctx, t, rem.RecordID(), res.Merged); err != nil {
				out.Failed++
				if remotestore.IsAuthExpired(err) {
					return out, err
				}
				if remotestore.IsQuotaExceeded(err) {
					m.log.Warn("remote quota exhausted, skipping remaining records of type",
						"type", t, "error", err)
					break records
				}
				m.log.Error("merging remote record", "type", t, "id", rem.RecordID(), "error", err)
				continue
			}
			out.Merged++
			remap.record(t, loc.RecordID(), rem.RecordID())
			ownerOnly = false
			done = append(done, migrated{loc.RecordID(), res.Merged})

		default:
			// Keep-both on an id-paired type: the records are distinct
			// despite the key collision, so write the local one remotely.
			created, err := m.remote.Create(ctx, t, cand)
			if err != nil {
				out.Failed++
				if remotestore.IsAuthExpired(err) {
					return out, err
				}
				m.log.Error("creating remote record", "type", t, "id", cand.RecordID(), "error", err)
				continue
			}
			out.Created++
			remap.record(t, loc.RecordID(), created.RecordID())
			ownerOnly = created.RecordID() == loc.RecordID() && ownerOnly
			done = append(done, migrated{loc.RecordID(), created})
		}
	}

	m.rekeyLocal(ctx, t, guestID, done, ownerOnly && len(done) == len(locals))
	return out, nil
}

// rekeyLocal moves the handled guest records into the account scope. When
// every record survived unchanged apart from its owner, the move is a
// single owner-rewrite transaction; otherwise each guest copy is replaced
// by its account-scoped counterpart. Failures are logged and the affected
// records stay guest-scoped — the next migration attempt dedupes them by
// fingerprint.
func (m *Migrator) rekeyLocal(ctx context.Context, t model.EntityType, guestID string, done []migrated, bulk bool) {
	if len(done) == 0 {
		return
	}
	if bulk {
		accountID := done[0].account.RecordOwner()
		if _, err := m.local.ReassignOwner(ctx, t, guestID, accountID); err != nil {
			m.log.Error("re-keying guest records", "type", t, "error", err)
		}
		return
	}
	for _, d := range done {
		if err := m.local.Delete(ctx, t, d.guestRecordID); err != nil {
			m.log.Error("removing migrated guest record", "type", t, "id", d.guestRecordID, "error", err)
			continue
		}
		if err := m.local.Put(ctx, t, d.account); err != nil {
			m.log.Error("caching migrated record", "type", t, "id", d.account.RecordID(), "error", err)
		}
	}
}
