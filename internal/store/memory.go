package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

// Memory implements Store on process-local maps. It backs tests and the
// STORE_BACKEND=memory mode for local runs; semantics track the firestore
// implementation, including merge-creates and atomic batches.
type Memory struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	orgs   map[string]models.Organization
	emps   map[string]map[string]models.Employee
	events map[string]map[string][]string
}

// NewMemory returns an empty in-memory store. A nil clock means wall clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:  clock,
		orgs:   make(map[string]models.Organization),
		emps:   make(map[string]map[string]models.Employee),
		events: make(map[string]map[string][]string),
	}
}

func (m *Memory) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

func (m *Memory) MergeOrganization(ctx context.Context, orgID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	org := m.orgs[orgID]
	for k, v := range fields {
		switch k {
		case FieldName:
			if s, ok := v.(string); ok {
				org.Name = s
			}
		case FieldCurrentEpoch:
			if n, ok := asInt64(v); ok {
				org.CurrentEpoch = n
			}
		case FieldLastFinalizedEpoch:
			if n, ok := asInt64(v); ok {
				org.LastFinalizedEpoch = n
			}
		}
	}
	org.UpdatedAt = m.clock.Now()
	m.orgs[orgID] = org
	return nil
}

func (m *Memory) QueryEmployeesByEmail(ctx context.Context, orgID string, emails []string) ([]models.EmployeeDoc, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	if len(emails) > MaxInValues {
		return nil, errTooManyInValues(len(emails))
	}
	want := make(map[string]bool, len(emails))
	for _, e := range emails {
		want[e] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EmployeeDoc
	for id, emp := range m.emps[orgID] {
		if want[emp.Email] {
			out = append(out, models.EmployeeDoc{ID: id, Employee: emp})
		}
	}
	return out, nil
}

func (m *Memory) GetEmployeeByEmail(ctx context.Context, orgID, email string) (*models.EmployeeDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, emp := range m.emps[orgID] {
		if emp.Email == email {
			return &models.EmployeeDoc{ID: id, Employee: emp}, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetEmployee(ctx context.Context, orgID, docID string) (*models.EmployeeDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	emp, ok := m.emps[orgID][docID]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.EmployeeDoc{ID: docID, Employee: emp}, nil
}

func (m *Memory) NewEmployeeID() string {
	return uuid.NewString()
}

func (m *Memory) CommitEmployees(ctx context.Context, orgID string, writes []models.EmployeeWrite) error {
	if len(writes) == 0 {
		return nil
	}
	if err := ValidateBatch(writes); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.emps[orgID]
	if docs == nil {
		docs = make(map[string]models.Employee)
		m.emps[orgID] = docs
	}
	// Validate before mutating so a failed batch applies nothing.
	for _, w := range writes {
		if w.DocID == "" {
			return errMissingDocID
		}
		if w.Create {
			if _, exists := docs[w.DocID]; exists {
				return ErrAlreadyExists
			}
		}
	}
	now := m.clock.Now()
	for _, w := range writes {
		emp := docs[w.DocID]
		emp.Email = w.Email
		emp.StatusInOrg = w.Status
		emp.PresentInLatest = true
		emp.LastSeenEpoch = w.LastSeenEpoch
		emp.Source = w.Source
		if w.EventID != "" {
			emp.LastEventID = w.EventID
		}
		emp.UpdatedAt = now
		docs[w.DocID] = emp
	}
	return nil
}

func (m *Memory) UpdateEmployee(ctx context.Context, orgID, docID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	emp, ok := m.emps[orgID][docID]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case FieldStatus:
			switch s := v.(type) {
			case models.Status:
				emp.StatusInOrg = s
			case string:
				emp.StatusInOrg = models.Status(s)
			}
		case FieldPresent:
			if b, ok := v.(bool); ok {
				emp.PresentInLatest = b
			}
		case FieldSource:
			if s, ok := v.(string); ok {
				emp.Source = s
			}
		case FieldLastEventID:
			if s, ok := v.(string); ok {
				emp.LastEventID = s
			}
		case FieldLastSeenEpoch:
			if n, ok := asInt64(v); ok {
				emp.LastSeenEpoch = n
			}
		case FieldEmail:
			if s, ok := v.(string); ok {
				emp.Email = s
			}
		}
	}
	emp.UpdatedAt = m.clock.Now()
	m.emps[orgID][docID] = emp
	return nil
}

func (m *Memory) ScanPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor *Cursor) ([]models.EmployeeDoc, *Cursor, error) {
	if pageSize <= 0 {
		return nil, nil, errBadPageSize(pageSize)
	}

	m.mu.RLock()
	var all []models.EmployeeDoc
	for id, emp := range m.emps[orgID] {
		if emp.PresentInLatest && emp.LastSeenEpoch < epoch {
			all = append(all, models.EmployeeDoc{ID: id, Employee: emp})
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].LastSeenEpoch != all[j].LastSeenEpoch {
			return all[i].LastSeenEpoch < all[j].LastSeenEpoch
		}
		return all[i].ID < all[j].ID
	})
	if cursor != nil {
		idx := sort.Search(len(all), func(i int) bool {
			if all[i].LastSeenEpoch != cursor.LastSeenEpoch {
				return all[i].LastSeenEpoch > cursor.LastSeenEpoch
			}
			return all[i].ID > cursor.DocID
		})
		all = all[idx:]
	}
	if len(all) > pageSize {
		all = all[:pageSize]
	}
	if len(all) < pageSize {
		return all, nil, nil
	}
	last := all[len(all)-1]
	return all, &Cursor{LastSeenEpoch: last.LastSeenEpoch, DocID: last.ID}, nil
}

func (m *Memory) MarkEmployeesAbsent(ctx context.Context, orgID string, docIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.emps[orgID]
	for _, id := range docIDs {
		if _, ok := docs[id]; !ok {
			return ErrNotFound
		}
	}
	now := m.clock.Now()
	for _, id := range docIDs {
		emp := docs[id]
		emp.PresentInLatest = false
		emp.UpdatedAt = now
		docs[id] = emp
	}
	return nil
}

func (m *Memory) CountPresent(ctx context.Context, orgID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, emp := range m.emps[orgID] {
		if emp.PresentInLatest {
			n++
		}
	}
	return n, nil
}

func (m *Memory) HasEventDigest(ctx context.Context, orgID, eventID, digest string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.events[orgID][eventID] {
		if d == digest {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RecordEventDigest(ctx context.Context, orgID, eventID, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[orgID]
	if evs == nil {
		evs = make(map[string][]string)
		m.events[orgID] = evs
	}
	for _, d := range evs[eventID] {
		if d == digest {
			return nil
		}
	}
	evs[eventID] = append(evs[eventID], digest)
	return nil
}

func (m *Memory) Close() error { return nil }

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
