// Package memory is an in-process store.Store for tests and local runs.
// A single mutex serializes writes, which makes ApplyCreditOnce atomic.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/store"
	"github.com/xraph/chartable/user"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	users       map[string]*user.User
	usersByAuth map[string]string

	// Processed-event records keyed by provider event id
	processed map[string]*credit.ProcessedEvent

	projects map[string]*project.Project
	diagrams map[string]*diagram.Diagram
}

func New() *Store {
	return &Store{
		users:       make(map[string]*user.User),
		usersByAuth: make(map[string]string),
		processed:   make(map[string]*credit.ProcessedEvent),
		projects:    make(map[string]*project.Project),
		diagrams:    make(map[string]*diagram.Diagram),
	}
}

// User Store implementation
func (s *Store) CreateUser(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID.String()]; exists {
		return chartable.ErrUserExists
	}
	if _, exists := s.usersByAuth[u.ExternalAuthID]; exists {
		return chartable.ErrUserExists
	}
	cp := *u
	s.users[u.ID.String()] = &cp
	s.usersByAuth[u.ExternalAuthID] = u.ID.String()
	return nil
}

func (s *Store) GetUser(_ context.Context, userID id.UserID) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[userID.String()]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, chartable.ErrUserNotFound
}

func (s *Store) GetUserByExternalAuthID(_ context.Context, externalAuthID string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if uid, ok := s.usersByAuth[externalAuthID]; ok {
		cp := *s.users[uid]
		return &cp, nil
	}
	return nil, chartable.ErrUserNotFound
}

// Credit Store implementation
func (s *Store) ApplyCreditOnce(_ context.Context, g credit.Grant) (*credit.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[g.UserID.String()]
	if !ok {
		return nil, chartable.ErrUserNotFound
	}

	if _, applied := s.processed[g.EventID]; applied {
		return &credit.Result{Balance: u.CreditBalance, Applied: false}, nil
	}

	balance, err := u.CreditBalance.Add(g.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chartable.ErrInvalidAmount, err)
	}
	u.CreditBalance = balance
	u.Touch()
	s.processed[g.EventID] = credit.NewProcessedEvent(g, u.CreditBalance)

	return &credit.Result{Balance: u.CreditBalance, Applied: true}, nil
}

func (s *Store) GetProcessedEvent(_ context.Context, eventID string) (*credit.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.processed[eventID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, chartable.ErrEventNotFound
}

// Project Store implementation
func (s *Store) CreateProject(_ context.Context, p *project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects[p.ID.String()] = cloneProject(p)
	return nil
}

func (s *Store) GetProject(_ context.Context, projectID id.ProjectID, ownerID id.UserID) (*project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID.String()]
	if !ok || p.UserID != ownerID {
		return nil, chartable.ErrProjectNotFound
	}
	return cloneProject(p), nil
}

func (s *Store) PrependHistory(_ context.Context, projectID id.ProjectID, ownerID id.UserID, entry *project.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID.String()]
	if !ok || p.UserID != ownerID {
		return chartable.ErrProjectNotFound
	}

	history := make([]project.HistoryEntry, 0, len(p.History)+1)
	history = append(history, *entry)
	p.History = append(history, p.History...)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Diagram Store implementation
func (s *Store) CreateDiagram(_ context.Context, d *diagram.Diagram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.diagrams[d.ID.String()] = &cp
	return nil
}

func (s *Store) GetDiagram(_ context.Context, diagramID id.DiagramID) (*diagram.Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.diagrams[diagramID.String()]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, chartable.ErrDiagramNotFound
}

// Lifecycle
func (s *Store) Migrate(_ context.Context) error { return nil }
func (s *Store) Ping(_ context.Context) error    { return nil }
func (s *Store) Close() error                    { return nil }

func cloneProject(p *project.Project) *project.Project {
	cp := *p
	cp.History = make([]project.HistoryEntry, len(p.History))
	copy(cp.History, p.History)
	return &cp
}
