package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/akilhane/studysync/internal/model"
	"github.com/akilhane/studysync/internal/notify"
)

func sortedByID(recs []model.Record) []model.Record {
	sort.Slice(recs, func(i, j int) bool { return recs[i].RecordID() < recs[j].RecordID() })
	return recs
}

// --- Mock Local Store --------------------------------------------------------

type mockLocal struct {
	mu        sync.Mutex
	recs      map[model.EntityType]map[string]model.Record // type → id → record
	corrupt   map[model.EntityType]int
	snapshots []string
}

func newMockLocal() *mockLocal {
	return &mockLocal{
		recs:    make(map[model.EntityType]map[string]model.Record),
		corrupt: make(map[model.EntityType]int),
	}
}

func (m *mockLocal) seed(t model.EntityType, recs ...model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs[t] == nil {
		m.recs[t] = make(map[string]model.Record)
	}
	for _, rec := range recs {
		m.recs[t][rec.RecordID()] = rec.Clone()
	}
}

func (m *mockLocal) List(_ context.Context, t model.EntityType, ownerID string) ([]model.Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Record
	for _, rec := range m.recs[t] {
		if rec.RecordOwner() == ownerID {
			result = append(result, rec.Clone())
		}
	}
	return sortedByID(result), m.corrupt[t], nil
}

func (m *mockLocal) Put(_ context.Context, t model.EntityType, rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs[t] == nil {
		m.recs[t] = make(map[string]model.Record)
	}
	m.recs[t][rec.RecordID()] = rec.Clone()
	return nil
}

func (m *mockLocal) Delete(_ context.Context, t model.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs[t], id)
	return nil
}

func (m *mockLocal) ReassignOwner(_ context.Context, t model.EntityType, fromID, toID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.recs[t] {
		if rec.RecordOwner() == fromID {
			cp := rec.Clone()
			cp.SetOwner(toID)
			m.recs[t][id] = cp
			n++
		}
	}
	return n, nil
}

func (m *mockLocal) Counts(_ context.Context, ownerID string) (map[model.EntityType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.EntityType]int)
	for t, byID := range m.recs {
		for _, rec := range byID {
			if rec.RecordOwner() == ownerID {
				counts[t]++
			}
		}
	}
	return counts, nil
}

func (m *mockLocal) SaveSnapshot(_ context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("snap-%d", len(m.snapshots)+1)
	m.snapshots = append(m.snapshots, id)
	return id, nil
}

func (m *mockLocal) count(t model.EntityType, ownerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.recs[t] {
		if rec.RecordOwner() == ownerID {
			n++
		}
	}
	return n
}

func (m *mockLocal) get(t model.EntityType, id string) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[t][id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

func (m *mockLocal) all(t model.EntityType, ownerID string) []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Record
	for _, rec := range m.recs[t] {
		if rec.RecordOwner() == ownerID {
			result = append(result, rec.Clone())
		}
	}
	return result
}

// --- Mock Remote Store -------------------------------------------------------

type mockRemote struct {
	mu   sync.Mutex
	recs map[model.EntityType]map[string]model.Record

	// createErr injects a failure for a specific record id on Create.
	createErr map[string]error
	// updateErr injects a failure for a specific record id on Update.
	updateErr map[string]error
	// reissue swaps the incoming id on Create, the way a server assigning
	// its own ids would.
	reissue map[string]string

	creates int
	updates int
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		recs:      make(map[model.EntityType]map[string]model.Record),
		createErr: make(map[string]error),
		updateErr: make(map[string]error),
		reissue:   make(map[string]string),
	}
}

func (m *mockRemote) seed(t model.EntityType, recs ...model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs[t] == nil {
		m.recs[t] = make(map[string]model.Record)
	}
	for _, rec := range recs {
		m.recs[t][rec.RecordID()] = rec.Clone()
	}
}

func (m *mockRemote) failCreate(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr[id] = err
}

func (m *mockRemote) failUpdate(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr[id] = err
}

func (m *mockRemote) reissueOnCreate(oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reissue[oldID] = newID
}

func (m *mockRemote) List(_ context.Context, t model.EntityType, ownerID string) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Record
	for _, rec := range m.recs[t] {
		if rec.RecordOwner() == ownerID {
			result = append(result, rec.Clone())
		}
	}
	return sortedByID(result), nil
}

func (m *mockRemote) Create(_ context.Context, t model.EntityType, rec model.Record) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.createErr[rec.RecordID()]; ok {
		return nil, err
	}
	m.creates++
	if m.recs[t] == nil {
		m.recs[t] = make(map[string]model.Record)
	}
	cp := rec.Clone()
	if newID, ok := m.reissue[cp.RecordID()]; ok {
		setRecordID(cp, newID)
	}
	m.recs[t][cp.RecordID()] = cp
	return cp.Clone(), nil
}

func setRecordID(rec model.Record, id string) {
	switch v := rec.(type) {
	case *model.Subject:
		v.ID = id
	case *model.Question:
		v.ID = id
	case *model.QuizResult:
		v.ID = id
	case *model.ChatSession:
		v.ID = id
	case *model.ChatMessage:
		v.ID = id
	}
}

func (m *mockRemote) Update(_ context.Context, t model.EntityType, id string, rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.updateErr[id]; ok {
		return err
	}
	if _, ok := m.recs[t][id]; !ok {
		return fmt.Errorf("remote record %q not found", id)
	}
	m.updates++
	m.recs[t][id] = rec.Clone()
	return nil
}

func (m *mockRemote) Delete(_ context.Context, t model.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs[t], id)
	return nil
}

func (m *mockRemote) count(t model.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs[t])
}

func (m *mockRemote) get(t model.EntityType, id string) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[t][id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

func (m *mockRemote) all(t model.EntityType) []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Record
	for _, rec := range m.recs[t] {
		result = append(result, rec.Clone())
	}
	return result
}

// --- Mock Notifier -----------------------------------------------------------

type mockHub struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockHub) Publish(ev notify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockHub) published() []notify.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Event(nil), m.events...)
}
