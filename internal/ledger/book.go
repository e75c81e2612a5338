package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Book is a double-entry Ledger on SQLite. Wallet balances are stored as
// decimal strings; every movement appends one row to entries.
//
// NPC wallets must be funded before they can pay and never go negative.
// Provider wallets are created on first credit and may go negative through
// penalties. The market account is the counterparty for payments and
// penalties and is unbounded.
type Book struct {
	db  *sqlx.DB
	now func() time.Time
}

// Entry is one recorded movement.
type Entry struct {
	ID         int64  `db:"id"`
	UUID       string `db:"uuid"`
	Kind       string `db:"kind"`
	Debit      string `db:"debit_account"`
	Credit     string `db:"credit_account"`
	Amount     string `db:"amount"`
	ContractID int64  `db:"contract_id"`
	Ref        string `db:"ref"`
	Memo       string `db:"memo"`
	CreatedAt  int64  `db:"created_at"` // unix seconds
}

const (
	kindFunding    = "funding"
	kindNPC        = "npc_payment"
	kindContract   = "contract_payment"
	kindSLAPenalty = "sla_penalty"
)

// NewBook creates the ledger tables on db if they do not exist.
func NewBook(db *sqlx.DB) (*Book, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		account TEXT PRIMARY KEY,
		balance TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		debit_account TEXT NOT NULL,
		credit_account TEXT NOT NULL,
		amount TEXT NOT NULL,
		contract_id INTEGER NOT NULL DEFAULT 0,
		memo TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_contract ON ledger_entries(contract_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}

	// ref was added after the first schema; older databases get the column here.
	var hasRef int
	if err := db.Get(&hasRef, "SELECT COUNT(*) FROM pragma_table_info('ledger_entries') WHERE name = 'ref'"); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	if hasRef == 0 {
		if _, err := db.Exec("ALTER TABLE ledger_entries ADD COLUMN ref TEXT NOT NULL DEFAULT ''"); err != nil {
			return nil, fmt.Errorf("ledger schema: add ref: %w", err)
		}
	}
	if _, err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_ref ON ledger_entries(ref) WHERE ref <> ''"); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Book{db: db, now: time.Now}, nil
}

// Fund credits account from the market, creating the wallet if needed.
func (b *Book) Fund(ctx context.Context, account string, amount decimal.Decimal) error {
	if account == "" {
		return ErrInvalidAccount
	}
	return b.post(ctx, kindFunding, MarketAccount, account, amount, 0, "", "funding", false)
}

// Balance returns the balance of account, or ErrInvalidAccount if it has no wallet.
func (b *Book) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var raw string
	err := b.db.GetContext(ctx, &raw, "SELECT balance FROM wallets WHERE account = ?", account)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%s: %w", account, ErrInvalidAccount)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Entries lists the movements recorded against a contract, oldest first.
func (b *Book) Entries(ctx context.Context, contractID int64) ([]Entry, error) {
	var out []Entry
	err := b.db.SelectContext(ctx, &out,
		"SELECT * FROM ledger_entries WHERE contract_id = ? ORDER BY id", contractID)
	return out, err
}

// CreateContractPayment pays the provider once per contract and period end.
// Repeating a payment that is already booked succeeds without moving money.
func (b *Book) CreateContractPayment(ctx context.Context, p ContractPayment) error {
	if p.UserID == "" {
		return fmt.Errorf("contract payment %d: %w", p.ContractID, ErrInvalidAccount)
	}
	memo := fmt.Sprintf("period %s..%s penalties %s discounts %s",
		p.PeriodStart.Format(time.DateOnly), p.PeriodEnd.Format(time.DateOnly),
		p.Penalties.StringFixed(2), p.Discounts.StringFixed(2))
	ref := fmt.Sprintf("%s:%d:%s", kindContract, p.ContractID, p.PeriodEnd.UTC().Format(time.DateOnly))
	return b.post(ctx, kindContract, MarketAccount, ProviderAccount(p.UserID), p.Amount, p.ContractID, ref, memo, false)
}

// CreateSLAPenalty debits the provider. With a Period set it books at most
// once per contract, period and violation type.
func (b *Book) CreateSLAPenalty(ctx context.Context, p SLAPenalty) error {
	if p.UserID == "" {
		return fmt.Errorf("sla penalty %d: %w", p.ContractID, ErrInvalidAccount)
	}
	memo := fmt.Sprintf("%s violation: %.2f%% of %s", p.ViolationType, p.PenaltyRatePercent, p.BaseAmount.StringFixed(2))
	var ref string
	if p.Period != "" {
		ref = fmt.Sprintf("%s:%d:%s:%s", kindSLAPenalty, p.ContractID, p.Period, p.ViolationType)
	}
	return b.post(ctx, kindSLAPenalty, ProviderAccount(p.UserID), MarketAccount, p.Amount, p.ContractID, ref, memo, false)
}

func (b *Book) ProcessNPCPayment(ctx context.Context, p NPCPayment) error {
	if p.NPCID == "" || p.ProviderID == "" {
		return fmt.Errorf("npc payment %d: %w", p.ContractID, ErrInvalidAccount)
	}
	return b.post(ctx, kindNPC, NPCAccount(p.NPCID), ProviderAccount(p.ProviderID), p.Amount, p.ContractID, "", p.Memo, true)
}

// post moves amount from debit to credit in one transaction. When strict,
// the debit wallet must already exist and stay non-negative. A non-empty ref
// names the movement; if an entry with that ref exists, post does nothing.
func (b *Book) post(ctx context.Context, kind, debit, credit string, amount decimal.Decimal, contractID int64, ref, memo string, strict bool) error {
	if amount.IsNegative() {
		return fmt.Errorf("%s: negative amount %s", kind, amount)
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", kind, err)
	}
	defer tx.Rollback()

	if ref != "" {
		var seen int
		if err := tx.GetContext(ctx, &seen, "SELECT COUNT(*) FROM ledger_entries WHERE ref = ?", ref); err != nil {
			return fmt.Errorf("check %s: %w", ref, err)
		}
		if seen > 0 {
			return nil
		}
	}

	from, found, err := balance(ctx, tx, debit)
	if err != nil {
		return err
	}
	if strict {
		if !found {
			return fmt.Errorf("%s: %w", debit, ErrInvalidAccount)
		}
		if from.LessThan(amount) {
			return fmt.Errorf("%s has %s, needs %s: %w", debit, from.StringFixed(2), amount.StringFixed(2), ErrInsufficientFunds)
		}
	}
	to, _, err := balance(ctx, tx, credit)
	if err != nil {
		return err
	}

	if err := setBalance(ctx, tx, debit, from.Sub(amount)); err != nil {
		return err
	}
	if err := setBalance(ctx, tx, credit, to.Add(amount)); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ledger_entries
		(uuid, kind, debit_account, credit_account, amount, contract_id, ref, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), kind, debit, credit, amount.String(), contractID, ref, memo, b.now().Unix())
	if err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return tx.Commit()
}

func balance(ctx context.Context, tx *sqlx.Tx, account string) (decimal.Decimal, bool, error) {
	var raw string
	err := tx.GetContext(ctx, &raw, "SELECT balance FROM wallets WHERE account = ?", account)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("read wallet %s: %w", account, err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("wallet %s: %w", account, err)
	}
	return d, true, nil
}

func setBalance(ctx context.Context, tx *sqlx.Tx, account string, d decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO wallets (account, balance) VALUES (?, ?) ON CONFLICT(account) DO UPDATE SET balance = excluded.balance",
		account, d.String())
	if err != nil {
		return fmt.Errorf("write wallet %s: %w", account, err)
	}
	return nil
}
