package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

func newBook(t *testing.T) *Book {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	b, err := NewBook(db)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestNPCPayment(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)

	if err := b.Fund(ctx, NPCAccount("n1"), dec(5000)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payment NPCPayment
		wantErr error
	}{
		{"pays", NPCPayment{NPCID: "n1", ProviderID: "p1", Amount: dec(2000), ContractID: 1}, nil},
		{"overdraws", NPCPayment{NPCID: "n1", ProviderID: "p1", Amount: dec(3500), ContractID: 2}, ErrInsufficientFunds},
		{"unknown wallet", NPCPayment{NPCID: "n2", ProviderID: "p1", Amount: dec(1), ContractID: 3}, ErrInvalidAccount},
		{"missing provider", NPCPayment{NPCID: "n1", Amount: dec(1), ContractID: 4}, ErrInvalidAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.ProcessNPCPayment(ctx, tt.payment)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	npcBal, _ := b.Balance(ctx, NPCAccount("n1"))
	if !npcBal.Equal(dec(3000)) {
		t.Errorf("npc balance = %s, want 3000", npcBal)
	}
	provBal, _ := b.Balance(ctx, ProviderAccount("p1"))
	if !provBal.Equal(dec(2000)) {
		t.Errorf("provider balance = %s, want 2000", provBal)
	}
}

func TestPenaltyThenPayment(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := b.CreateSLAPenalty(ctx, SLAPenalty{
		UserID: "p1", ContractID: 7, Amount: dec(100),
		ViolationType: "uptime", BaseAmount: dec(1000), PenaltyRatePercent: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = b.CreateContractPayment(ctx, ContractPayment{
		UserID: "p1", ContractID: 7, Amount: dec(1000),
		PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0), Penalties: dec(100),
	})
	if err != nil {
		t.Fatal(err)
	}

	bal, err := b.Balance(ctx, ProviderAccount("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(dec(900)) {
		t.Errorf("provider balance = %s, want 900", bal)
	}

	entries, err := b.Entries(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Kind != kindSLAPenalty || entries[1].Kind != kindContract {
		t.Errorf("entries = %+v, want penalty then payment", entries)
	}
}

func TestBalanceUnknownAccount(t *testing.T) {
	b := newBook(t)
	if _, err := b.Balance(context.Background(), "nobody"); !errors.Is(err, ErrInvalidAccount) {
		t.Errorf("err = %v, want ErrInvalidAccount", err)
	}
}

func TestRepeatedPostingsBookOnce(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	jan := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	for _, p := range []ContractPayment{
		{UserID: "p1", ContractID: 3, Amount: dec(1000), PeriodStart: jan, PeriodEnd: feb},
		{UserID: "p1", ContractID: 3, Amount: dec(1000), PeriodStart: jan, PeriodEnd: feb},
		{UserID: "p1", ContractID: 4, Amount: dec(500), PeriodStart: jan, PeriodEnd: feb},
		{UserID: "p1", ContractID: 3, Amount: dec(1000), PeriodStart: feb, PeriodEnd: mar},
	} {
		if err := b.CreateContractPayment(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range []SLAPenalty{
		{UserID: "p1", ContractID: 3, Amount: dec(100), ViolationType: "uptime", Period: "2026-02-28"},
		{UserID: "p1", ContractID: 3, Amount: dec(100), ViolationType: "uptime", Period: "2026-02-28"},
		{UserID: "p1", ContractID: 3, Amount: dec(50), ViolationType: "latency", Period: "2026-02-28"},
		{UserID: "p1", ContractID: 3, Amount: dec(10), ViolationType: "uptime"},
		{UserID: "p1", ContractID: 3, Amount: dec(10), ViolationType: "uptime"},
	} {
		if err := b.CreateSLAPenalty(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	// 1000 + 500 + 1000 paid, 100 + 50 + 10 + 10 debited.
	bal, err := b.Balance(ctx, ProviderAccount("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(dec(2330)) {
		t.Errorf("provider balance = %s, want 2330", bal)
	}
	entries, err := b.Entries(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Errorf("contract 3 entries = %d, want 6", len(entries))
	}
	if entries[0].Ref != "contract_payment:3:2026-02-28" {
		t.Errorf("first ref = %q", entries[0].Ref)
	}
}

func TestNewBookAddsRefColumn(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE ledger_entries (
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
	INSERT INTO ledger_entries (uuid, kind, debit_account, credit_account, amount, contract_id, created_at)
	VALUES ('old-1', 'contract_payment', 'market', 'provider:p1', '1000', 9, 0);`); err != nil {
		t.Fatal(err)
	}

	b, err := NewBook(db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewBook(db); err != nil {
		t.Fatalf("second open: %v", err)
	}
	entries, err := b.Entries(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Ref != "" {
		t.Errorf("entries = %+v", entries)
	}
}
