package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/npc-market/internal/catalog"
	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/npc"
)

// DB is a SQLite-backed Store. Queryable fields live in columns; the rest of
// each entity is kept as JSON alongside.
type DB struct {
	conn  *sqlx.DB
	locks rowLocks
}

// Open opens or creates a SQLite database at path (":memory:" for a private
// in-memory database).
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite serialises writers anyway; one connection also keeps an
	// in-memory database alive and shared.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Conn exposes the connection for collaborators sharing the file (ledger).
func (db *DB) Conn() *sqlx.DB { return db.conn }

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS npcs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		tier TEXT NOT NULL,
		next_demand_evaluation INTEGER NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		number TEXT NOT NULL,
		status TEXT NOT NULL,
		npc_id TEXT,
		client_id TEXT,
		provider_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		end_date INTEGER NOT NULL,
		next_payment_date INTEGER NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sim_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_npcs_due ON npcs(status, next_demand_evaluation);
	CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status);
	CREATE INDEX IF NOT EXISTS idx_contracts_npc ON contracts(npc_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type dataRow struct {
	ID   string `db:"id"`
	Data string `db:"data_json"`
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound(kind, id)
	}
	return fault.Collaborator("load "+kind+" "+id, err)
}

// ── NPCs ─────────────────────────────────────────────────────────────

func (db *DB) GetNPC(ctx context.Context, id string) (*npc.NPC, error) {
	var data string
	if err := db.conn.GetContext(ctx, &data, "SELECT data_json FROM npcs WHERE id = ?", id); err != nil {
		return nil, notFound(err, "npc", id)
	}
	n, err := decodeInto[npc.NPC]([]byte(data))
	if err != nil {
		return nil, err
	}
	n.Normalize()
	return n, nil
}

func (db *DB) SaveNPC(ctx context.Context, n *npc.NPC) error {
	n.Normalize()
	if err := n.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode npc %s: %w", n.ID, err)
	}
	_, err = db.conn.ExecContext(ctx, `INSERT OR REPLACE INTO npcs
		(id, status, tier, next_demand_evaluation, data_json) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.Status, n.Tier, n.NextDemandEvaluation.Unix(), string(data))
	if err != nil {
		return fault.Collaborator("save npc "+n.ID, err)
	}
	return nil
}

func (db *DB) UpdateNPC(ctx context.Context, id string, fn func(*npc.NPC) error) (*npc.NPC, error) {
	unlock := db.locks.lock(npcKey(id))
	defer unlock()

	n, err := db.GetNPC(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(n); err != nil {
		if errors.Is(err, ErrNoChange) {
			return n, nil
		}
		return nil, err
	}
	if err := db.SaveNPC(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (db *DB) selectNPCs(ctx context.Context, query string, args ...any) ([]*npc.NPC, error) {
	var rows []dataRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fault.Collaborator("list npcs", err)
	}
	out := make([]*npc.NPC, 0, len(rows))
	for _, r := range rows {
		n, err := decodeInto[npc.NPC]([]byte(r.Data))
		if err != nil {
			return nil, fmt.Errorf("npc %s: %w", r.ID, err)
		}
		n.Normalize()
		out = append(out, n)
	}
	return out, nil
}

func (db *DB) ListActiveNPCs(ctx context.Context) ([]*npc.NPC, error) {
	return db.selectNPCs(ctx, "SELECT id, data_json FROM npcs WHERE status = ? ORDER BY id", npc.StatusActive)
}

func (db *DB) ListDueNPCs(ctx context.Context, now time.Time) ([]*npc.NPC, error) {
	return db.selectNPCs(ctx,
		"SELECT id, data_json FROM npcs WHERE status = ? AND next_demand_evaluation <= ? ORDER BY id",
		npc.StatusActive, now.Unix())
}

// CountNPCs returns the number of stored NPCs.
func (db *DB) CountNPCs(ctx context.Context) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM npcs")
	return n, err
}

// ── Providers and services ───────────────────────────────────────────

func (db *DB) GetProvider(ctx context.Context, id string) (*catalog.Provider, error) {
	var data string
	if err := db.conn.GetContext(ctx, &data, "SELECT data_json FROM providers WHERE id = ?", id); err != nil {
		return nil, notFound(err, "provider", id)
	}
	return decodeInto[catalog.Provider]([]byte(data))
}

func (db *DB) SaveProvider(ctx context.Context, p *catalog.Provider) error {
	if p.ID == "" {
		return fault.Validation("provider id is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provider %s: %w", p.ID, err)
	}
	if _, err := db.conn.ExecContext(ctx, "INSERT OR REPLACE INTO providers (id, data_json) VALUES (?, ?)", p.ID, string(data)); err != nil {
		return fault.Collaborator("save provider "+p.ID, err)
	}
	return nil
}

func (db *DB) GetService(ctx context.Context, id string) (*catalog.Service, error) {
	var data string
	if err := db.conn.GetContext(ctx, &data, "SELECT data_json FROM services WHERE id = ?", id); err != nil {
		return nil, notFound(err, "service", id)
	}
	return decodeInto[catalog.Service]([]byte(data))
}

func (db *DB) SaveService(ctx context.Context, s *catalog.Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode service %s: %w", s.ID, err)
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO services (id, provider_id, type, data_json) VALUES (?, ?, ?, ?)",
		s.ID, s.ProviderID, s.Type, string(data))
	if err != nil {
		return fault.Collaborator("save service "+s.ID, err)
	}
	return nil
}

func (db *DB) UpdateService(ctx context.Context, id string, fn func(*catalog.Service) error) (*catalog.Service, error) {
	unlock := db.locks.lock(serviceKey(id))
	defer unlock()

	s, err := db.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		if errors.Is(err, ErrNoChange) {
			return s, nil
		}
		return nil, err
	}
	if err := db.SaveService(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *DB) ListServices(ctx context.Context) ([]*catalog.Service, error) {
	var rows []dataRow
	if err := db.conn.SelectContext(ctx, &rows, "SELECT id, data_json FROM services ORDER BY id"); err != nil {
		return nil, fault.Collaborator("list services", err)
	}
	out := make([]*catalog.Service, 0, len(rows))
	for _, r := range rows {
		s, err := decodeInto[catalog.Service]([]byte(r.Data))
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", r.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ── Contracts ────────────────────────────────────────────────────────

func (db *DB) GetContract(ctx context.Context, id int64) (*contract.Contract, error) {
	var data string
	if err := db.conn.GetContext(ctx, &data, "SELECT data_json FROM contracts WHERE id = ?", id); err != nil {
		return nil, notFound(err, "contract", fmt.Sprint(id))
	}
	return decodeInto[contract.Contract]([]byte(data))
}

func (db *DB) GetContractByUUID(ctx context.Context, id string) (*contract.Contract, error) {
	var data string
	if err := db.conn.GetContext(ctx, &data, "SELECT data_json FROM contracts WHERE uuid = ?", id); err != nil {
		return nil, notFound(err, "contract", id)
	}
	return decodeInto[contract.Contract]([]byte(data))
}

func (db *DB) CreateContract(ctx context.Context, c *contract.Contract) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	c.Number = contract.FormatNumber(c.StartDate, 0)
	if err := c.Validate(); err != nil {
		return err
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fault.Collaborator("begin create contract", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO contracts
		(uuid, number, status, npc_id, client_id, provider_id, service_id, end_date, next_payment_date, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '{}')`,
		c.UUID, c.Number, c.Status, nullable(c.NPCID), nullable(c.ClientID),
		c.ProviderID, c.ServiceID, c.EndDate.Unix(), c.NextPaymentDate.Unix())
	if err != nil {
		return fault.Collaborator("insert contract", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fault.Collaborator("contract id", err)
	}
	c.ID = id
	c.Number = contract.FormatNumber(c.StartDate, id)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE contracts SET number = ?, data_json = ? WHERE id = ?", c.Number, string(data), id); err != nil {
		return fault.Collaborator("finalise contract", err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Collaborator("commit contract", err)
	}
	return nil
}

func (db *DB) saveContract(ctx context.Context, c *contract.Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract %d: %w", c.ID, err)
	}
	_, err = db.conn.ExecContext(ctx, `UPDATE contracts SET
		status = ?, end_date = ?, next_payment_date = ?, data_json = ? WHERE id = ?`,
		c.Status, c.EndDate.Unix(), c.NextPaymentDate.Unix(), string(data), c.ID)
	if err != nil {
		return fault.Collaborator(fmt.Sprintf("save contract %d", c.ID), err)
	}
	return nil
}

func (db *DB) UpdateContract(ctx context.Context, id int64, fn func(*contract.Contract) error) (*contract.Contract, error) {
	unlock := db.locks.lock(contractKey(id))
	defer unlock()

	c, err := db.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		if errors.Is(err, ErrNoChange) {
			return c, nil
		}
		return nil, err
	}
	if err := db.saveContract(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) ListContractsByStatus(ctx context.Context, statuses ...contract.Status) ([]*contract.Contract, error) {
	query := "SELECT id, data_json FROM contracts ORDER BY id"
	var args []any
	if len(statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query = "SELECT id, data_json FROM contracts WHERE status IN (" + marks + ") ORDER BY id"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	var rows []dataRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fault.Collaborator("list contracts", err)
	}
	out := make([]*contract.Contract, 0, len(rows))
	for _, r := range rows {
		c, err := decodeInto[contract.Contract]([]byte(r.Data))
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", r.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ── Metadata ─────────────────────────────────────────────────────────

// SaveMeta stores a key-value pair in simulation metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec("INSERT OR REPLACE INTO sim_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM sim_meta WHERE key = ?", key)
	return value, err
}

// LogSummary writes row counts at startup.
func (db *DB) LogSummary(ctx context.Context) {
	var counts struct {
		NPCs      int `db:"npcs"`
		Services  int `db:"services"`
		Contracts int `db:"contracts"`
	}
	err := db.conn.GetContext(ctx, &counts, `SELECT
		(SELECT COUNT(*) FROM npcs) AS npcs,
		(SELECT COUNT(*) FROM services) AS services,
		(SELECT COUNT(*) FROM contracts) AS contracts`)
	if err != nil {
		slog.Warn("database summary failed", "error", err)
		return
	}
	slog.Info("database opened", "npcs", counts.NPCs, "services", counts.Services, "contracts", counts.Contracts)
}
