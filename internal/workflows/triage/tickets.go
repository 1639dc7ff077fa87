package triage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTicketNotFound is returned by TicketService.Get for unknown ids.
var ErrTicketNotFound = errors.New("ticket not found")

// NewTicket is what create_ticket files.
type NewTicket struct {
	ThreadID string            `json:"thread_id"`
	Category string            `json:"category"`
	Priority string            `json:"priority"`
	Team     string            `json:"team"`
	SLAHours int               `json:"sla_hours"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
}

// TicketRecord is a filed ticket.
type TicketRecord struct {
	NewTicket
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketService is the ticketing backend. Calls are side effects the
// workflow engine never retries.
type TicketService interface {
	Create(ctx context.Context, t NewTicket) (TicketRecord, error)
	Get(ctx context.Context, id string) (TicketRecord, error)
}

// MemoryTickets is an in-process TicketService.
type MemoryTickets struct {
	mu      sync.Mutex
	tickets map[string]TicketRecord
}

// NewMemoryTickets returns an empty ticket service.
func NewMemoryTickets() *MemoryTickets {
	return &MemoryTickets{tickets: make(map[string]TicketRecord)}
}

// Create files t with a fresh INC- id.
func (m *MemoryTickets) Create(ctx context.Context, t NewTicket) (TicketRecord, error) {
	if err := ctx.Err(); err != nil {
		return TicketRecord{}, err
	}
	t.Details = maps.Clone(t.Details)
	rec := TicketRecord{
		NewTicket: t,
		ID:        "INC-" + strings.ToUpper(uuid.NewString()[:8]),
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[rec.ID] = rec
	return rec, nil
}

// Get returns a filed ticket.
func (m *MemoryTickets) Get(_ context.Context, id string) (TicketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tickets[id]
	if !ok {
		return TicketRecord{}, ErrTicketNotFound
	}
	return rec, nil
}

// List returns all tickets ordered by id.
func (m *MemoryTickets) List() []TicketRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.tickets))
	slices.SortFunc(out, func(a, b TicketRecord) int { return strings.Compare(a.ID, b.ID) })
	return out
}
