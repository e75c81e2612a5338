package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/npc"
)

// MemoryStore implements Store in memory. Rows are kept encoded so callers
// never share pointers with the store.
type MemoryStore struct {
	locks rowLocks

	mu        sync.RWMutex
	npcs      map[string][]byte
	providers map[string][]byte
	services  map[string][]byte
	contracts map[int64][]byte
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		npcs:      make(map[string][]byte),
		providers: make(map[string][]byte),
		services:  make(map[string][]byte),
		contracts: make(map[int64][]byte),
	}
}

func decodeInto[T any](raw []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

func (s *MemoryStore) GetNPC(ctx context.Context, id string) (*npc.NPC, error) {
	s.mu.RLock()
	raw, ok := s.npcs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("npc", id)
	}
	n, err := decodeInto[npc.NPC](raw)
	if err != nil {
		return nil, err
	}
	n.Normalize()
	return n, nil
}

func (s *MemoryStore) SaveNPC(ctx context.Context, n *npc.NPC) error {
	n.Normalize()
	if err := n.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode npc %s: %w", n.ID, err)
	}
	s.mu.Lock()
	s.npcs[n.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateNPC(ctx context.Context, id string, fn func(*npc.NPC) error) (*npc.NPC, error) {
	unlock := s.locks.lock(npcKey(id))
	defer unlock()

	n, err := s.GetNPC(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(n); err != nil {
		if errors.Is(err, ErrNoChange) {
			return n, nil
		}
		return nil, err
	}
	if err := s.SaveNPC(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *MemoryStore) listNPCs(keep func(*npc.NPC) bool) ([]*npc.NPC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*npc.NPC
	for _, raw := range s.npcs {
		n, err := decodeInto[npc.NPC](raw)
		if err != nil {
			return nil, err
		}
		n.Normalize()
		if keep(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListActiveNPCs(ctx context.Context) ([]*npc.NPC, error) {
	return s.listNPCs(func(n *npc.NPC) bool { return n.IsActive() })
}

func (s *MemoryStore) ListDueNPCs(ctx context.Context, now time.Time) ([]*npc.NPC, error) {
	return s.listNPCs(func(n *npc.NPC) bool { return n.DueForDemand(now) })
}

func (s *MemoryStore) GetProvider(ctx context.Context, id string) (*catalog.Provider, error) {
	s.mu.RLock()
	raw, ok := s.providers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("provider", id)
	}
	return decodeInto[catalog.Provider](raw)
}

func (s *MemoryStore) SaveProvider(ctx context.Context, p *catalog.Provider) error {
	if p.ID == "" {
		return fault.Validation("provider id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provider %s: %w", p.ID, err)
	}
	s.mu.Lock()
	s.providers[p.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetService(ctx context.Context, id string) (*catalog.Service, error) {
	s.mu.RLock()
	raw, ok := s.services[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("service", id)
	}
	return decodeInto[catalog.Service](raw)
}

func (s *MemoryStore) SaveService(ctx context.Context, svc *catalog.Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("encode service %s: %w", svc.ID, err)
	}
	s.mu.Lock()
	s.services[svc.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateService(ctx context.Context, id string, fn func(*catalog.Service) error) (*catalog.Service, error) {
	unlock := s.locks.lock(serviceKey(id))
	defer unlock()

	svc, err := s.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(svc); err != nil {
		if errors.Is(err, ErrNoChange) {
			return svc, nil
		}
		return nil, err
	}
	if err := s.SaveService(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *MemoryStore) ListServices(ctx context.Context) ([]*catalog.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*catalog.Service, 0, len(s.services))
	for _, raw := range s.services {
		svc, err := decodeInto[catalog.Service](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetContract(ctx context.Context, id int64) (*contract.Contract, error) {
	s.mu.RLock()
	raw, ok := s.contracts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("contract", fmt.Sprint(id))
	}
	return decodeInto[contract.Contract](raw)
}

func (s *MemoryStore) GetContractByUUID(ctx context.Context, id string) (*contract.Contract, error) {
	all, err := s.ListContractsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.UUID == id {
			return c, nil
		}
	}
	return nil, fault.NotFound("contract", id)
}

func (s *MemoryStore) CreateContract(ctx context.Context, c *contract.Contract) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	c.Number = contract.FormatNumber(c.StartDate, c.ID)
	if err := c.Validate(); err != nil {
		s.nextID--
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	s.contracts[c.ID] = raw
	return nil
}

func (s *MemoryStore) saveContract(c *contract.Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract %d: %w", c.ID, err)
	}
	s.mu.Lock()
	s.contracts[c.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateContract(ctx context.Context, id int64, fn func(*contract.Contract) error) (*contract.Contract, error) {
	unlock := s.locks.lock(contractKey(id))
	defer unlock()

	c, err := s.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		if errors.Is(err, ErrNoChange) {
			return c, nil
		}
		return nil, err
	}
	if err := s.saveContract(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *MemoryStore) ListContractsByStatus(ctx context.Context, statuses ...contract.Status) ([]*contract.Contract, error) {
	want := make(map[contract.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contract.Contract
	for _, raw := range s.contracts {
		c, err := decodeInto[contract.Contract](raw)
		if err != nil {
			return nil, err
		}
		if len(want) == 0 || want[c.Status] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
