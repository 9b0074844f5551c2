package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"time"
)

// Fingerprint returns a SHA-256 hex digest over the subject's semantic
// fields. ID, OwnerID, timestamps, and the derived QuestionCount are
// excluded so that two subjects created independently with the same content
// hash identically.
func (s *Subject) Fingerprint() string {
	h := sha256.New()
	writeField(h, string(TypeSubjects))
	writeField(h, s.Name)
	writeField(h, s.Description)
	writeField(h, s.Category)
	writeField(h, string(s.Difficulty))
	_, _ = fmt.Fprintf(h, "%t", s.IsActive)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the question's semantic fields. Options are hashed in
// order: reordering the answer choices is a content change. SubjectID is
// excluded because it is re-pointed during migration; two copies of the same
// question under different subject ids would otherwise never de-duplicate.
func (q *Question) Fingerprint() string {
	h := sha256.New()
	writeField(h, string(TypeQuestions))
	writeField(h, q.Topic)
	writeField(h, q.Type)
	writeField(h, string(q.Difficulty))
	writeField(h, q.Text)
	for _, opt := range q.Options {
		writeField(h, opt.Text)
		_, _ = fmt.Fprintf(h, "%t", opt.IsCorrect)
		h.Write(sep)
	}
	writeField(h, q.Explanation)
	writeField(h, q.Formula)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes (subject, score, totalQuestions, createdAt rounded to
// the minute). Two results recorded for the same quiz within the same minute
// are the same result; everything else is distinct history that must never
// be dropped. WeakTopics is hashed with sorted keys so map iteration order
// cannot affect the digest — but note it participates only through the
// sorted serialization, keeping the digest order-independent.
func (r *QuizResult) Fingerprint() string {
	h := sha256.New()
	writeField(h, string(TypeQuizResults))
	writeField(h, r.Subject)
	_, _ = fmt.Fprintf(h, "%d|%d|", r.Score, r.TotalQuestions)
	writeField(h, r.CreatedAt.UTC().Truncate(time.Minute).Format(time.RFC3339))
	topics := make([]string, 0, len(r.WeakTopics))
	for topic := range r.WeakTopics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		_, _ = fmt.Fprintf(h, "%s=%d|", topic, r.WeakTopics[topic])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the session's semantic fields. Sessions primarily merge
// by id; the fingerprint detects divergent edits (title changes) between two
// copies of the same session.
func (s *ChatSession) Fingerprint() string {
	h := sha256.New()
	writeField(h, string(TypeChatSessions))
	writeField(h, s.Subject)
	writeField(h, s.Title)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes (sessionId, role, content, createdAt rounded to the
// second). Messages are append-only, so this is a pure duplicate detector
// for the union performed when both stores hold the same session.
func (m *ChatMessage) Fingerprint() string {
	h := sha256.New()
	writeField(h, string(TypeChatMessages))
	writeField(h, m.SessionID)
	writeField(h, string(m.Role))
	writeField(h, m.Content)
	writeField(h, m.CreatedAt.UTC().Truncate(time.Second).Format(time.RFC3339))
	return hex.EncodeToString(h.Sum(nil))
}

var sep = []byte("|")

func writeField(h hash.Hash, s string) {
	h.Write([]byte(s))
	h.Write(sep)
}
