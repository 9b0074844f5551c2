// Package model defines the owner-scoped record types shared between the
// local cache, the remote store, and the sync engine, together with the
// content fingerprints used for cross-store de-duplication.
package model

import (
	"time"
)

// EntityType identifies one of the synchronized record collections.
type EntityType string

const (
	TypeSubjects     EntityType = "subjects"
	TypeQuestions    EntityType = "questions"
	TypeQuizResults  EntityType = "quiz_results"
	TypeChatSessions EntityType = "chat_sessions"
	TypeChatMessages EntityType = "chat_messages"
)

// AllTypes returns every entity type in dependency order: a question's
// subject must exist before the question, and a message's session before the
// message. Migration and sync passes iterate in exactly this order.
func AllTypes() []EntityType {
	return []EntityType{
		TypeSubjects,
		TypeQuestions,
		TypeQuizResults,
		TypeChatSessions,
		TypeChatMessages,
	}
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case TypeSubjects, TypeQuestions, TypeQuizResults, TypeChatSessions, TypeChatMessages:
		return true
	}
	return false
}

// Difficulty is the coarse difficulty tier of a subject or question.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "Beginner"
	DifficultyIntermediate Difficulty = "Intermediate"
	DifficultyAdvanced     Difficulty = "Advanced"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is implemented by every synchronized entity. The interface is what
// the adapters and the engine operate on generically; type-specific merge
// rules down-cast via the entity type tag.
type Record interface {
	// RecordID returns the record's stable identifier.
	RecordID() string

	// RecordOwner returns the current owner scope (guest id or account id).
	RecordOwner() string

	// SetOwner reassigns the record to a new owner scope.
	SetOwner(ownerID string)

	// Fingerprint returns the deterministic content hash of the record's
	// semantic fields. Two records produced independently with the same
	// content fingerprint identically regardless of id, owner, or (except
	// where the merge policy says otherwise) timestamps.
	Fingerprint() string

	// ModTime returns the timestamp used for most-recent-edit tie-breaks:
	// UpdatedAt for mutable records, CreatedAt for immutable ones.
	ModTime() time.Time

	// Clone returns a deep copy safe to mutate independently.
	Clone() Record
}

// Subject is a study subject. QuestionCount is derived from the question
// collection and recomputed on every merge; the stored value is never
// trusted from either side.
type Subject struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Category      string     `json:"category"`
	Difficulty    Difficulty `json:"difficulty"`
	QuestionCount int        `json:"questionCount"`
	IsActive      bool       `json:"isActive"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (s *Subject) RecordID() string        { return s.ID }
func (s *Subject) RecordOwner() string     { return s.OwnerID }
func (s *Subject) SetOwner(ownerID string) { s.OwnerID = ownerID }
func (s *Subject) ModTime() time.Time      { return s.UpdatedAt }

func (s *Subject) Clone() Record {
	cp := *s
	return &cp
}

// Option is one answer choice of a multiple-choice question. Option order is
// meaningful and preserved.
type Option struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question belongs to a subject. After any successful migration its
// SubjectID resolves to a subject owned by the same account.
type Question struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	SubjectID   string     `json:"subjectId"`
	Topic       string     `json:"topic"`
	Type        string     `json:"type"`
	Difficulty  Difficulty `json:"difficulty"`
	Text        string     `json:"text"`
	Options     []Option   `json:"options"`
	Explanation string     `json:"explanation"`
	Formula     string     `json:"formula,omitempty"`
	IsActive    bool       `json:"isActive"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (q *Question) RecordID() string        { return q.ID }
func (q *Question) RecordOwner() string     { return q.OwnerID }
func (q *Question) SetOwner(ownerID string) { q.OwnerID = ownerID }
func (q *Question) ModTime() time.Time      { return q.UpdatedAt }

func (q *Question) Clone() Record {
	cp := *q
	cp.Options = make([]Option, len(q.Options))
	copy(cp.Options, q.Options)
	return &cp
}

// QuizResult is an immutable quiz outcome. Synchronization never mutates an
// existing result; it only creates new ones or deletes them by id.
type QuizResult struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	Subject          string         `json:"subject"`
	Score            int            `json:"score"`
	TotalQuestions   int            `json:"totalQuestions"`
	TimeSpentSeconds int            `json:"timeSpentSeconds"`
	WeakTopics       map[string]int `json:"weakTopics"`
	CreatedAt        time.Time      `json:"createdAt"`
}

func (r *QuizResult) RecordID() string        { return r.ID }
func (r *QuizResult) RecordOwner() string     { return r.OwnerID }
func (r *QuizResult) SetOwner(ownerID string) { r.OwnerID = ownerID }
func (r *QuizResult) ModTime() time.Time      { return r.CreatedAt }

func (r *QuizResult) Clone() Record {
	cp := *r
	cp.WeakTopics = make(map[string]int, len(r.WeakTopics))
	for k, v := range r.WeakTopics {
		cp.WeakTopics[k] = v
	}
	return &cp
}

// ChatSession is an AI tutoring conversation. Sessions merge by id: when
// both stores hold the same session id, their messages are unioned.
type ChatSession struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Subject   string    `json:"subject"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *ChatSession) RecordID() string        { return s.ID }
func (s *ChatSession) RecordOwner() string     { return s.OwnerID }
func (s *ChatSession) SetOwner(ownerID string) { s.OwnerID = ownerID }
func (s *ChatSession) ModTime() time.Time      { return s.UpdatedAt }

func (s *ChatSession) Clone() Record {
	cp := *s
	return &cp
}

// ChatMessage is an append-only message within a session. Ordering is by
// CreatedAt, then Seq (insertion sequence) for messages sharing a timestamp.
type ChatMessage struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m *ChatMessage) RecordID() string        { return m.ID }
func (m *ChatMessage) RecordOwner() string     { return m.OwnerID }
func (m *ChatMessage) SetOwner(ownerID string) { m.OwnerID = ownerID }
func (m *ChatMessage) ModTime() time.Time      { return m.CreatedAt }

func (m *ChatMessage) Clone() Record {
	cp := *m
	return &cp
}
