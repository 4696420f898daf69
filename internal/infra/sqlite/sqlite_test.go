package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proofmarket/pmkt/internal/app/market"
	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/infra/acl"
	"github.com/proofmarket/pmkt/internal/infra/logger"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, FileName)); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := db.SetMeta(context.Background(), "k", "v"); err != nil {
		t.Fatalf("SetMeta() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	got, err := db.GetMeta(context.Background(), "k")
	if err != nil {
		t.Fatalf("GetMeta() error: %v", err)
	}
	if got != "v" {
		t.Errorf("GetMeta = %q, want %q", got, "v")
	}
}

func TestGetMeta_Missing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetMeta(context.Background(), "nope")
	if err != nil || got != "" {
		t.Errorf("GetMeta = %q, %v; want empty, nil", got, err)
	}
}

// ─── State Store ────────────────────────────────────────────────────────────

func sampleChangeSet() *domain.ChangeSet {
	taskID := uint64(0)
	return &domain.ChangeSet{
		OpID: "op-1",
		Protocols: []domain.ProtocolEntry{{
			Protocol: "zk", Asset: "X",
			MinStake: map[domain.AssetID]domain.Amount{"X": 10},
		}},
		Asks: map[domain.AssetID]domain.Amount{"X": 5},
		Balances: map[domain.BalanceKey]domain.Balance{
			{User: "alice", Asset: "X"}: {Available: 0, Locked: 100},
		},
		Totals: map[domain.AssetID]domain.AssetTotals{"X": {Deposited: 100}},
		Entries: []domain.LedgerEntry{
			{OpID: "op-1", Timestamp: t0, Kind: domain.MoveDeposit, EntryType: domain.EntryCredit,
				User: "alice", Asset: "X", Field: domain.FieldAvailable, Amount: 100, After: 100, TaskID: &taskID},
			{OpID: "op-1", Timestamp: t0, Kind: domain.MoveEscrow, EntryType: domain.EntryDebit,
				User: "alice", Asset: "X", Field: domain.FieldAvailable, Amount: 100, After: 0, TaskID: &taskID},
		},
		Tasks: []domain.Task{{
			ID: 0, URL: "https://x", VK: "vk", Protocol: "zk", Asset: "X", Client: "alice",
			Price: 100, Deadline: t0.Add(time.Hour), Status: domain.TaskSubmitted,
			InputData: []byte{1, 2}, CreatedAt: t0, UpdatedAt: t0,
		}},
		NextTaskID: 1,
		Events: []domain.Event{
			{OpID: "op-1", Kind: domain.EventTaskCreated, TaskID: 0, Payload: []byte(`{}`), At: t0},
		},
	}
}

func TestLoadMarket_Empty(t *testing.T) {
	db := newTestDB(t)
	st, err := db.LoadMarket(context.Background())
	if err != nil {
		t.Fatalf("LoadMarket() error: %v", err)
	}
	if len(st.Tasks) != 0 || st.NextTaskID != 0 || len(st.Protocols) != 0 {
		t.Errorf("LoadMarket on empty db = %+v", st)
	}
}

func TestCommitMarket_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cs := sampleChangeSet()
	if err := db.CommitMarket(ctx, cs); err != nil {
		t.Fatalf("CommitMarket() error: %v", err)
	}
	if cs.Events[0].Seq == 0 {
		t.Error("event Seq not assigned")
	}

	st, err := db.LoadMarket(ctx)
	if err != nil {
		t.Fatalf("LoadMarket() error: %v", err)
	}
	if len(st.Protocols) != 1 || st.Protocols[0].Asset != "X" || st.Protocols[0].MinStake["X"] != 10 {
		t.Errorf("Protocols = %+v", st.Protocols)
	}
	if st.Asks["X"] != 5 {
		t.Errorf("Asks[X] = %d, want 5", st.Asks["X"])
	}
	if b := st.Balances[domain.BalanceKey{User: "alice", Asset: "X"}]; b.Locked != 100 {
		t.Errorf("alice balance = %+v, want locked 100", b)
	}
	if st.Totals["X"].Deposited != 100 {
		t.Errorf("Totals[X] = %+v", st.Totals["X"])
	}
	if st.NextTaskID != 1 || len(st.Tasks) != 1 {
		t.Fatalf("tasks = %d, counter = %d; want 1, 1", len(st.Tasks), st.NextTaskID)
	}
	task := st.Tasks[0]
	if task.Client != "alice" || task.Status != domain.TaskSubmitted || !task.Deadline.Equal(t0.Add(time.Hour)) {
		t.Errorf("task = %+v", task)
	}
	if string(task.InputData) != "\x01\x02" || task.Proof != nil {
		t.Errorf("task data = %v proof = %v", task.InputData, task.Proof)
	}
}

func TestCommitMarket_UpdatesTaskAndClaims(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.CommitMarket(ctx, sampleChangeSet()); err != nil {
		t.Fatalf("CommitMarket() error: %v", err)
	}

	task := sampleChangeSet().Tasks[0]
	task.Miner = "bob"
	task.Status = domain.TaskVerifiedFailed
	task.UpdatedAt = t0.Add(time.Minute)
	err := db.CommitMarket(ctx, &domain.ChangeSet{
		OpID: "op-2", Tasks: []domain.Task{task}, Claims: []uint64{0}, NextTaskID: 1,
	})
	if err != nil {
		t.Fatalf("CommitMarket() error: %v", err)
	}

	st, _ := db.LoadMarket(ctx)
	got := st.Tasks[0]
	if got.Miner != "bob" || got.Status != domain.TaskVerifiedFailed {
		t.Errorf("task = %+v", got)
	}
	if len(st.Claimed) != 1 || st.Claimed[0] != 0 {
		t.Errorf("Claimed = %v, want [0]", st.Claimed)
	}
}

func TestCommitMarket_Atomic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cs := sampleChangeSet()
	cs.Claims = []uint64{7} // no such task: the whole commit must roll back
	if err := db.CommitMarket(ctx, cs); err == nil {
		t.Fatal("CommitMarket() should fail on claim of a missing task")
	}
	if cs.Events[0].Seq != 0 {
		t.Error("Seq assigned for a rolled back commit")
	}

	st, err := db.LoadMarket(ctx)
	if err != nil {
		t.Fatalf("LoadMarket() error: %v", err)
	}
	if len(st.Tasks) != 0 || len(st.Balances) != 0 || len(st.Protocols) != 0 {
		t.Errorf("partial commit persisted: %+v", st)
	}
	entries, _ := db.LedgerEntries(ctx, "", 0)
	if len(entries) != 0 {
		t.Errorf("ledger entries = %d, want 0", len(entries))
	}
}

func TestCommitMarket_MinStakeReplaced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CommitMarket(ctx, sampleChangeSet())

	err := db.CommitMarket(ctx, &domain.ChangeSet{
		OpID:      "op-2",
		Protocols: []domain.ProtocolEntry{{Protocol: "zk", Asset: ""}},
	})
	if err != nil {
		t.Fatalf("CommitMarket() error: %v", err)
	}
	st, _ := db.LoadMarket(ctx)
	if p := st.Protocols[0]; p.Active() || len(p.MinStake) != 0 {
		t.Errorf("protocol = %+v, want removed with no min stakes", p)
	}
}

// ─── History ────────────────────────────────────────────────────────────────

func TestLedgerEntries_FilterAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CommitMarket(ctx, sampleChangeSet())
	db.CommitMarket(ctx, &domain.ChangeSet{
		OpID: "op-2",
		Entries: []domain.LedgerEntry{{OpID: "op-2", Timestamp: t0, Kind: domain.MoveDeposit,
			EntryType: domain.EntryCredit, User: "bob", Asset: "X", Field: domain.FieldAvailable,
			Amount: 7, After: 7}},
	})

	all, err := db.LedgerEntries(ctx, "", 0)
	if err != nil {
		t.Fatalf("LedgerEntries() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	if all[0].User != "bob" || all[0].TaskID != nil {
		t.Errorf("newest entry = %+v, want bob's deposit without task", all[0])
	}

	alice, _ := db.LedgerEntries(ctx, "alice", 1)
	if len(alice) != 1 || alice[0].Kind != domain.MoveEscrow {
		t.Errorf("alice entries = %+v, want latest escrow only", alice)
	}
	if alice[0].TaskID == nil || *alice[0].TaskID != 0 {
		t.Errorf("TaskID = %v, want 0", alice[0].TaskID)
	}
}

func TestEvents_AfterSeq(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cs := sampleChangeSet()
	db.CommitMarket(ctx, cs)
	db.CommitMarket(ctx, &domain.ChangeSet{
		OpID: "op-2",
		Events: []domain.Event{{OpID: "op-2", Kind: domain.EventTaskStatusChanged, TaskID: 0,
			Status: domain.TaskAssigned, At: t0}},
	})

	all, err := db.Events(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(all) != 2 || all[0].Seq >= all[1].Seq {
		t.Fatalf("events = %+v", all)
	}

	later, _ := db.Events(ctx, cs.Events[0].Seq, 10)
	if len(later) != 1 || later[0].Status != domain.TaskAssigned {
		t.Errorf("events after %d = %+v", cs.Events[0].Seq, later)
	}
}

// ─── Wallets ────────────────────────────────────────────────────────────────

func TestWallets_FundDebitCredit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	w := db.Wallets()

	if err := w.Fund(ctx, "alice", "X", 100); err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if err := w.Debit(ctx, "alice", "X", 30); err != nil {
		t.Fatalf("Debit() error: %v", err)
	}
	if err := w.Credit(ctx, "alice", "X", 5); err != nil {
		t.Fatalf("Credit() error: %v", err)
	}
	got, err := w.Wallet(ctx, "alice", "X")
	if err != nil {
		t.Fatalf("Wallet() error: %v", err)
	}
	if got != 75 {
		t.Errorf("Wallet = %d, want 75", got)
	}
}

func TestWallets_DebitInsufficient(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	w := db.Wallets()
	w.Fund(ctx, "alice", "X", 10)

	err := w.Debit(ctx, "alice", "X", 11)
	if !errors.Is(err, domain.ErrInsufficientExternalBalance) {
		t.Fatalf("Debit() = %v, want ErrInsufficientExternalBalance", err)
	}
	if got, _ := w.Wallet(ctx, "alice", "X"); got != 10 {
		t.Errorf("Wallet = %d, want 10 after failed debit", got)
	}
	if got, _ := w.Wallet(ctx, "nobody", "X"); got != 0 {
		t.Errorf("unknown wallet = %d, want 0", got)
	}
}

func TestWallets_LargeAmounts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	w := db.Wallets()
	big := domain.Amount(1<<63 + 12345)
	if err := w.Fund(ctx, "whale", "X", big); err != nil {
		t.Fatalf("Fund() error: %v", err)
	}
	if got, _ := w.Wallet(ctx, "whale", "X"); got != big {
		t.Errorf("Wallet = %d, want %d", got, big)
	}
}

// ─── Engine Restart ─────────────────────────────────────────────────────────

func TestEngine_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := t0
	clock := func() time.Time { return now }

	open := func() (*DB, *market.Engine) {
		db, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		e, err := market.New(ctx, acl.NewStatic("admin"),
			market.WithStateStore(db),
			market.WithBank(db.Wallets()),
			market.WithClock(clock),
			market.WithLogger(logger.Nop()),
		)
		if err != nil {
			db.Close()
			t.Fatalf("market.New() error: %v", err)
		}
		return db, e
	}

	db, e := open()
	w := db.Wallets()
	w.Fund(ctx, "client", "X", 500)
	w.Fund(ctx, "miner", "X", 500)
	if err := e.AddProtocol(ctx, "admin", "zk", "X"); err != nil {
		t.Fatalf("AddProtocol() error: %v", err)
	}
	id, err := e.SubmitTask(ctx, "client", domain.Submission{
		Price: 100, Deadline: now.Add(time.Hour), URL: "https://x", VK: "vk",
		Protocol: "zk", InputData: []byte{1},
	})
	if err != nil {
		t.Fatalf("SubmitTask() error: %v", err)
	}
	if err := e.Stake(ctx, "miner", "zk", 50); err != nil {
		t.Fatalf("Stake() error: %v", err)
	}
	if err := e.TakeTask(ctx, id, "miner"); err != nil {
		t.Fatalf("TakeTask() error: %v", err)
	}
	db.Close()

	// Deadline passes while the node is down.
	now = now.Add(2 * time.Hour)
	db, e = open()

	if e.TaskCount() != 1 {
		t.Fatalf("TaskCount = %d, want 1", e.TaskCount())
	}
	task, err := e.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if task.Status != domain.TaskVerifiedFailed {
		t.Fatalf("Status = %s, want VERIFIED_FAILED", task.Status)
	}
	paid, err := e.ClaimCompensation(ctx, id, "client")
	if err != nil || !paid {
		t.Fatalf("ClaimCompensation() = %v, %v; want paid", paid, err)
	}

	if got, _ := db.Wallets().Wallet(ctx, "client", "X"); got != 550 {
		t.Errorf("client wallet = %d, want 550", got)
	}
	if b := e.Balance("miner", "X"); b.Available != 0 || b.Locked != 0 {
		t.Errorf("miner balance = %+v, want empty", b)
	}
	for _, a := range e.Audit() {
		if !a.OK {
			t.Errorf("audit failed after restart: %+v", a)
		}
	}

	// A fresh engine sees the claim too.
	db.Close()
	db, e = open()
	defer db.Close()
	if claimed, err := e.Claimed(id); err != nil || !claimed {
		t.Errorf("Claimed = %v, %v; want true", claimed, err)
	}
}
