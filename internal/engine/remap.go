package engine

import "github.com/akilhane/studysync/internal/model"

// parentRemap tracks id rewrites of referenced records discovered during a
// pass: a guest or local subject collapsing into a remote one, or the
// server reissuing an id on create. Questions reference subjects and chat
// messages reference sessions, so both child types are re-pointed at the
// surviving parent id before they are matched.
type parentRemap struct {
	subjects map[string]string
	sessions map[string]string
}

func newParentRemap() *parentRemap {
	return &parentRemap{
		subjects: make(map[string]string),
		sessions: make(map[string]string),
	}
}

// record notes that the parent record from collapsed into to. Types without
// dependents are ignored.
func (p *parentRemap) record(t model.EntityType, from, to string) {
	if from == to {
		return
	}
	switch t {
	case model.TypeSubjects:
		p.subjects[from] = to
	case model.TypeChatSessions:
		p.sessions[from] = to
	}
}

// apply rewrites rec's parent reference in place and reports whether it
// changed anything.
func (p *parentRemap) apply(rec model.Record) bool {
	switch v := rec.(type) {
	case *model.Question:
		if to, ok := p.subjects[v.SubjectID]; ok {
			v.SubjectID = to
			return true
		}
	case *model.ChatMessage:
		if to, ok := p.sessions[v.SessionID]; ok {
			v.SessionID = to
			return true
		}
	}
	return false
}

func (p *parentRemap) empty() bool {
	return len(p.subjects) == 0 && len(p.sessions) == 0
}
