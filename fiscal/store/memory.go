// Package store provides in-memory registry implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/cylinder-books/fiscal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements fiscal.FinancialYearStore and fiscal.UserStore.
type Memory struct {
	mu     sync.RWMutex
	years  map[string]fiscal.FinancialYear
	users  map[string]fiscal.User
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{
		years: make(map[string]fiscal.FinancialYear),
		users: make(map[string]fiscal.User),
	}
}

// ListFinancialYears returns all years ordered by start date.
func (m *Memory) ListFinancialYears(_ context.Context) ([]fiscal.FinancialYear, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	years := make([]fiscal.FinancialYear, 0, len(m.years))
	for _, fy := range m.years {
		years = append(years, fy)
	}
	sort.Slice(years, func(i, j int) bool {
		return years[i].StartDate.Before(years[j].StartDate)
	})
	return years, nil
}

func (m *Memory) GetFinancialYear(_ context.Context, id string) (*fiscal.FinancialYear, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fy, ok := m.years[id]
	if !ok {
		return nil, nil
	}
	return &fy, nil
}

func (m *Memory) InsertFinancialYear(_ context.Context, fy fiscal.FinancialYear) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.years[fy.ID]; ok {
		return fiscal.ErrDuplicateResource
	}
	m.years[fy.ID] = fy
	return nil
}

func (m *Memory) GetUser(_ context.Context, username string) (*fiscal.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) CreateUser(_ context.Context, u fiscal.User) (*fiscal.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.Username]; ok {
		return nil, fiscal.ErrDuplicateResource
	}
	m.nextID++
	u.ID = m.nextID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.Username] = u
	return &u, nil
}

func (m *Memory) SetDirectory(_ context.Context, username, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return fiscal.ErrTenantNotFound
	}
	u.Directory = dir
	m.users[username] = u
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]fiscal.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]fiscal.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}
