// Package persistence is the gateway between the simulation core and stored
// NPC, provider, service and contract rows.
//
// Every read-modify-write goes through an Update* method, which holds a
// per-row lock for the duration of the callback. Callers that touch several
// rows must lock in the order contract, service, NPC.
package persistence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/npc"
)

// ErrNoChange, returned from an Update callback, skips the save without
// failing the update.
var ErrNoChange = errors.New("no change")

// Store is the persistence gateway used by the simulation core.
type Store interface {
	GetNPC(ctx context.Context, id string) (*npc.NPC, error)
	SaveNPC(ctx context.Context, n *npc.NPC) error
	UpdateNPC(ctx context.Context, id string, fn func(*npc.NPC) error) (*npc.NPC, error)
	ListActiveNPCs(ctx context.Context) ([]*npc.NPC, error)
	ListDueNPCs(ctx context.Context, now time.Time) ([]*npc.NPC, error)

	GetProvider(ctx context.Context, id string) (*catalog.Provider, error)
	SaveProvider(ctx context.Context, p *catalog.Provider) error

	GetService(ctx context.Context, id string) (*catalog.Service, error)
	SaveService(ctx context.Context, s *catalog.Service) error
	UpdateService(ctx context.Context, id string, fn func(*catalog.Service) error) (*catalog.Service, error)
	ListServices(ctx context.Context) ([]*catalog.Service, error)

	GetContract(ctx context.Context, id int64) (*contract.Contract, error)
	GetContractByUUID(ctx context.Context, uuid string) (*contract.Contract, error)
	// CreateContract assigns ID, UUID (if empty) and Number, then inserts.
	CreateContract(ctx context.Context, c *contract.Contract) error
	UpdateContract(ctx context.Context, id int64, fn func(*contract.Contract) error) (*contract.Contract, error)
	ListContractsByStatus(ctx context.Context, statuses ...contract.Status) ([]*contract.Contract, error)

	Close() error
}

// rowLocks hands out one mutex per row key, dropping entries nobody holds.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]*rowLock
}

type rowLock struct {
	sync.Mutex
	refs int
}

func (l *rowLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.rows == nil {
		l.rows = make(map[string]*rowLock)
	}
	r, ok := l.rows[key]
	if !ok {
		r = &rowLock{}
		l.rows[key] = r
	}
	r.refs++
	l.mu.Unlock()

	r.Lock()
	return func() {
		r.Unlock()
		l.mu.Lock()
		r.refs--
		if r.refs == 0 {
			delete(l.rows, key)
		}
		l.mu.Unlock()
	}
}

func npcKey(id string) string     { return "npc:" + id }
func serviceKey(id string) string { return "service:" + id }
func contractKey(id int64) string { return "contract:" + strconv.FormatInt(id, 10) }
