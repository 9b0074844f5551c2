package engine

import (
	"strings"

	"github.com/akilhane/studysync/internal/model"
)

// Decision is the outcome of conflict resolution for one local/remote pair.
type Decision int

const (
	// DecisionKeepLocal keeps the local record; the remote side is
	// overwritten with the local content.
	DecisionKeepLocal Decision = iota

	// DecisionKeepRemote keeps the remote record and discards the local
	// duplicate. This is the dedupe outcome and the safe default for
	// conflicts outside the policy table.
	DecisionKeepRemote

	// DecisionKeepBoth keeps both records as distinct entries.
	DecisionKeepBoth

	// DecisionMerge replaces the remote record with Resolution.Merged.
	DecisionMerge
)

func (d Decision) String() string {
	switch d {
	case DecisionKeepLocal:
		return "keep_local"
	case DecisionKeepRemote:
		return "keep_remote"
	case DecisionKeepBoth:
		return "keep_both"
	case DecisionMerge:
		return "merge"
	}
	return "unknown"
}

// Resolution is a Decision plus, for DecisionMerge, the record that
// replaces the remote copy. Merged carries the remote record's id so the
// write is an update, not a create.
type Resolution struct {
	Decision Decision
	Merged   model.Record
}

// Resolve applies the per-type merge policy to a matched local/remote pair.
// Both records are non-nil; unmatched records never reach the resolver
// (they are plain creates or mirrors). The policy, per type:
//
//   - Subjects pair by name, so keep-both is never valid. Identical
//     fingerprints dedupe to the remote copy. Divergent edits prefer the
//     active subject, then the most recent edit; the remote copy wins
//     exact ties.
//   - Questions and quiz results pair by fingerprint, so a matched pair is
//     always a duplicate: keep the remote copy. Divergent content never
//     pairs and stays as two distinct records.
//   - Chat sessions pair by id. Identical fingerprints dedupe; divergent
//     metadata takes the most recently edited side. Message union is the
//     caller's job, since messages are their own collection.
//   - Chat messages pair by fingerprint, same as questions.
func Resolve(t model.EntityType, local, remote model.Record) Resolution {
	if local.Fingerprint() == remote.Fingerprint() {
		return Resolution{Decision: DecisionKeepRemote}
	}

	switch t {
	case model.TypeSubjects:
		if subjectWinsOverRemote(local.(*model.Subject), remote.(*model.Subject)) {
			merged := local.Clone().(*model.Subject)
			merged.ID = remote.RecordID()
			merged.OwnerID = remote.RecordOwner()
			return Resolution{Decision: DecisionMerge, Merged: merged}
		}
		return Resolution{Decision: DecisionKeepRemote}

	case model.TypeChatSessions:
		if local.ModTime().After(remote.ModTime()) {
			merged := local.Clone().(*model.ChatSession)
			merged.ID = remote.RecordID()
			merged.OwnerID = remote.RecordOwner()
			return Resolution{Decision: DecisionMerge, Merged: merged}
		}
		return Resolution{Decision: DecisionKeepRemote}

	default:
		// Questions, quiz results and chat messages pair by fingerprint,
		// so divergent content reaching this point means the pairing key
		// was the record id. Treat as distinct records.
		return Resolution{Decision: DecisionKeepBoth}
	}
}

// subjectWinsOverRemote reports whether the local subject's content should
// replace the remote one: active beats inactive, then the most recent edit
// wins, and the remote copy takes exact timestamp ties.
func subjectWinsOverRemote(local, remote *model.Subject) bool {
	if local.IsActive != remote.IsActive {
		return local.IsActive
	}
	return local.UpdatedAt.After(remote.UpdatedAt)
}

// pairKey returns the key used to match a record against the other store's
// records of the same type.
func pairKey(t model.EntityType, rec model.Record) string {
	switch t {
	case model.TypeSubjects:
		return normalizeSubjectName(rec.(*model.Subject).Name)
	case model.TypeChatSessions:
		return rec.RecordID()
	default:
		return rec.Fingerprint()
	}
}

func normalizeSubjectName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
