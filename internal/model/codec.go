package model

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a record to its JSON wire and storage form.
func Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

// Decode deserializes a record of the given entity type. Unknown fields in
// the payload are ignored, so newer writers remain readable by older code.
func Decode(t EntityType, data []byte) (Record, error) {
	var rec Record
	switch t {
	case TypeSubjects:
		rec = &Subject{}
	case TypeQuestions:
		rec = &Question{}
	case TypeQuizResults:
		rec = &QuizResult{}
	case TypeChatSessions:
		rec = &ChatSession{}
	case TypeChatMessages:
		rec = &ChatMessage{}
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", t, err)
	}
	return rec, nil
}
