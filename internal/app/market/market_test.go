package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/infra/acl"
	"github.com/proofmarket/pmkt/internal/infra/bank"
	"github.com/proofmarket/pmkt/internal/infra/events"
	"github.com/proofmarket/pmkt/internal/infra/logger"
	"github.com/proofmarket/pmkt/internal/infra/verifier"
)

const (
	admin  domain.Address = "admin"
	client domain.Address = "client"
	miner  domain.Address = "miner"
	other  domain.Address = "other"
	asset  domain.AssetID = "X"
	proto                 = "zk"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	e     *Engine
	bank  *bank.Memory
	rec   *events.Recorder
	clock *fakeClock
	valid bool // Verdict of the stub verifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		bank:  bank.NewMemory(),
		rec:   &events.Recorder{},
		clock: &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		valid: true,
	}
	set := verifier.NewSet(verifier.Func(func(string, []byte, []byte) bool { return f.valid }))
	base := []Option{
		WithBank(f.bank),
		WithEventSink(f.rec),
		WithClock(f.clock.Now),
		WithVerifiers(set),
		WithLogger(logger.Nop()),
	}
	e, err := New(context.Background(), acl.NewStatic(admin), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.e = e
	if err := e.AddProtocol(context.Background(), admin, proto, asset); err != nil {
		t.Fatalf("AddProtocol: %v", err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, user domain.Address, amount domain.Amount) {
	t.Helper()
	if err := f.bank.Fund(user, asset, amount); err != nil {
		t.Fatalf("Fund: %v", err)
	}
}

func (f *fixture) submission(price domain.Amount) domain.Submission {
	return domain.Submission{
		Price:     price,
		Deadline:  f.clock.Now().Add(time.Hour),
		URL:       "https://inputs.example/task",
		VK:        "vk",
		Protocol:  proto,
		InputData: []byte("input"),
	}
}

// assigned submits a price-100 task and has a miner with 60 staked take it.
func (f *fixture) assigned(t *testing.T) uint64 {
	t.Helper()
	ctx := context.Background()
	f.fund(t, client, 100)
	f.fund(t, miner, 60)
	id, err := f.e.SubmitTask(ctx, client, f.submission(100))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := f.e.Stake(ctx, miner, proto, 60); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if err := f.e.TakeTask(ctx, id, miner); err != nil {
		t.Fatalf("TakeTask: %v", err)
	}
	return id
}

// committed reads a task without running the watchdog.
func (f *fixture) committed(t *testing.T, id uint64) domain.Task {
	t.Helper()
	f.e.mu.Lock()
	defer f.e.mu.Unlock()
	task, err := f.e.tasks.Get(id)
	if err != nil {
		t.Fatalf("tasks.Get(%d): %v", id, err)
	}
	return task
}

func wantBalance(t *testing.T, e *Engine, user domain.Address, avail, locked domain.Amount) {
	t.Helper()
	got := e.Balance(user, asset)
	if got.Available != avail || got.Locked != locked {
		t.Errorf("%s balance = %+v, want available %d locked %d", user, got, avail, locked)
	}
}

func wantConserved(t *testing.T, e *Engine) {
	t.Helper()
	for _, a := range e.Audit() {
		if !a.OK {
			t.Errorf("audit failed: %+v", a)
		}
	}
}

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestScenarioA_ValidProofPaysMiner(t *testing.T) {
	f := newFixture(t)
	id := f.assigned(t)
	wantBalance(t, f.e, client, 0, 100)
	wantBalance(t, f.e, miner, 10, 50)

	ok, err := f.e.VerifyProof(context.Background(), id, miner, []byte("proof"))
	if err != nil || !ok {
		t.Fatalf("VerifyProof = %v, %v; want true, nil", ok, err)
	}

	wantBalance(t, f.e, miner, 160, 0)
	wantBalance(t, f.e, client, 0, 0)
	task := f.committed(t, id)
	if task.Status != domain.TaskVerifiedSuccess {
		t.Errorf("status = %s, want VERIFIED_SUCCESS", task.Status)
	}
	if string(task.Proof) != "proof" {
		t.Errorf("proof = %q", task.Proof)
	}
	wantConserved(t, f.e)
}

func TestScenarioB_ExpiryThenClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assigned(t)

	f.clock.Advance(2 * time.Hour)
	task, err := f.e.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != domain.TaskVerifiedFailed {
		t.Fatalf("status = %s, want VERIFIED_FAILED", task.Status)
	}
	wantBalance(t, f.e, client, 150, 0)
	wantBalance(t, f.e, miner, 10, 0)

	paid, err := f.e.ClaimCompensation(ctx, id, client)
	if err != nil || !paid {
		t.Fatalf("ClaimCompensation = %v, %v; want true, nil", paid, err)
	}
	if got := f.bank.Wallet(client, asset); got != 150 {
		t.Errorf("client wallet = %d, want 150", got)
	}
	wantBalance(t, f.e, client, 0, 0)

	paid, err = f.e.ClaimCompensation(ctx, id, client)
	if err != nil || paid {
		t.Fatalf("second claim = %v, %v; want false, nil", paid, err)
	}
	if got := f.bank.Wallet(client, asset); got != 150 {
		t.Errorf("client wallet after second claim = %d, want 150", got)
	}
	if claimed, _ := f.e.Claimed(id); !claimed {
		t.Error("claimed flag not set")
	}
	wantConserved(t, f.e)
}

func TestScenarioC_DeadlineNotInFuture(t *testing.T) {
	f := newFixture(t)
	f.fund(t, client, 100)
	for _, d := range []time.Duration{0, -time.Second} {
		sub := f.submission(10)
		sub.Deadline = f.clock.Now().Add(d)
		if _, err := f.e.SubmitTask(context.Background(), client, sub); !errors.Is(err, domain.ErrInvalidDeadline) {
			t.Errorf("deadline now%+v: err = %v, want ErrInvalidDeadline", d, err)
		}
	}
	if n := f.e.TaskCount(); n != 0 {
		t.Errorf("counter = %d, want 0", n)
	}
	if got := f.bank.Wallet(client, asset); got != 100 {
		t.Errorf("client wallet = %d, want 100", got)
	}
}

func TestScenarioD_StakeTooLow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, miner, 100)
	if err := f.e.SetMinAdd(ctx, admin, proto, asset, 10); err != nil {
		t.Fatalf("SetMinAdd: %v", err)
	}

	err := f.e.Stake(ctx, miner, proto, 5)
	if !errors.Is(err, domain.ErrStakeTooLow) {
		t.Fatalf("err = %v, want ErrStakeTooLow", err)
	}
	wantBalance(t, f.e, miner, 0, 0)
	if got := f.bank.Wallet(miner, asset); got != 100 {
		t.Errorf("wallet = %d, want 100", got)
	}

	if err := f.e.Stake(ctx, miner, proto, 10); err != nil {
		t.Fatalf("Stake at minimum: %v", err)
	}
	wantBalance(t, f.e, miner, 10, 0)
}

// ─── Submission ─────────────────────────────────────────────────────────────

func TestSubmitTask_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, client, 1000)
	if err := f.e.SetAsk(ctx, admin, asset, 20); err != nil {
		t.Fatalf("SetAsk: %v", err)
	}

	tests := []struct {
		name   string
		caller domain.Address
		mutate func(*domain.Submission)
		want   error
	}{
		{"unknown protocol", client, func(s *domain.Submission) { s.Protocol = "nope" }, domain.ErrUnknownProtocol},
		{"below ask", client, func(s *domain.Submission) { s.Price = 19 }, domain.ErrPriceBelowMinimum},
		{"empty url", client, func(s *domain.Submission) { s.URL = "" }, domain.ErrInvalidURL},
		{"empty vk", client, func(s *domain.Submission) { s.VK = "" }, domain.ErrInvalidVK},
		{"empty input", client, func(s *domain.Submission) { s.InputData = nil }, domain.ErrInvalidInputData},
		{"no caller", "", func(s *domain.Submission) {}, domain.ErrInvalidCaller},
		{"insufficient wallet", client, func(s *domain.Submission) { s.Price = 1001 }, domain.ErrInsufficientExternalBalance},
		{"settlement overflow", client, func(s *domain.Submission) { s.Price = math.MaxUint64 }, domain.ErrAmountOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := f.submission(50)
			tt.mutate(&sub)
			if _, err := f.e.SubmitTask(ctx, tt.caller, sub); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if n := f.e.TaskCount(); n != 0 {
		t.Errorf("counter = %d after rejected submissions, want 0", n)
	}
	if got := f.bank.Wallet(client, asset); got != 1000 {
		t.Errorf("wallet = %d, want 1000", got)
	}
	if len(f.rec.Events()) != 0 {
		t.Errorf("rejected submissions emitted %d events", len(f.rec.Events()))
	}
	wantBalance(t, f.e, client, 0, 0)
}

func TestSubmitTask_EscrowsAndEmits(t *testing.T) {
	f := newFixture(t)
	f.fund(t, client, 300)
	ctx := context.Background()

	first, err := f.e.SubmitTask(ctx, client, f.submission(100))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	second, err := f.e.SubmitTask(ctx, client, f.submission(100))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if first != 0 || second != 1 {
		t.Errorf("ids = %d, %d; want 0, 1", first, second)
	}
	wantBalance(t, f.e, client, 0, 200)
	if got := f.bank.Wallet(client, asset); got != 100 {
		t.Errorf("wallet = %d, want 100", got)
	}

	evs := f.rec.Events()
	if len(evs) != 2 || evs[0].Kind != domain.EventTaskCreated || evs[0].TaskID != 0 {
		t.Fatalf("events = %+v", evs)
	}
	var sub domain.Submission
	if err := json.Unmarshal(evs[0].Payload, &sub); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if sub.Price != 100 || sub.Protocol != proto {
		t.Errorf("payload = %+v", sub)
	}

	task := f.committed(t, first)
	if task.Asset != asset || task.Miner != "" || task.Status != domain.TaskSubmitted {
		t.Errorf("task = %+v", task)
	}
	wantConserved(t, f.e)
}

func TestSubmitTask_ZeroPrice(t *testing.T) {
	f := newFixture(t)
	id, err := f.e.SubmitTask(context.Background(), client, f.submission(0))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := f.e.TakeTask(context.Background(), id, miner); err != nil {
		t.Fatalf("TakeTask with zero collateral: %v", err)
	}
	if d, _ := f.bank.Calls(); d != 0 {
		t.Errorf("zero-price task called Debit %d times", d)
	}
}

// ─── Assignment ─────────────────────────────────────────────────────────────

func TestTakeTask_InsufficientCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, client, 100)
	f.fund(t, miner, 49)
	id, _ := f.e.SubmitTask(ctx, client, f.submission(100))
	if err := f.e.Stake(ctx, miner, proto, 49); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	before := len(f.rec.Events())

	err := f.e.TakeTask(ctx, id, miner)
	if !errors.Is(err, domain.ErrInsufficientCollateral) {
		t.Fatalf("err = %v, want ErrInsufficientCollateral", err)
	}
	task := f.committed(t, id)
	if task.Status != domain.TaskSubmitted || task.Miner != "" {
		t.Errorf("task mutated: %+v", task)
	}
	wantBalance(t, f.e, miner, 49, 0)
	if len(f.rec.Events()) != before {
		t.Error("rejected take emitted an event")
	}
}

func TestTakeTask_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assigned(t)

	if err := f.e.TakeTask(ctx, id, other); !errors.Is(err, domain.ErrTaskNotOpen) {
		t.Errorf("take assigned: err = %v, want ErrTaskNotOpen", err)
	}
	if err := f.e.TakeTask(ctx, 99, miner); !errors.Is(err, domain.ErrInvalidTaskID) {
		t.Errorf("take unknown: err = %v, want ErrInvalidTaskID", err)
	}
	if err := f.e.TakeTask(ctx, id, ""); !errors.Is(err, domain.ErrTaskNotOpen) && !errors.Is(err, domain.ErrInvalidCaller) {
		t.Errorf("take without caller: err = %v", err)
	}
}

func TestTakeTask_ExpiredOpenTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, client, 100)
	id, _ := f.e.SubmitTask(ctx, client, f.submission(100))
	f.clock.Advance(time.Hour)

	if err := f.e.TakeTask(ctx, id, miner); !errors.Is(err, domain.ErrTaskExpired) {
		t.Errorf("err = %v, want ErrTaskExpired", err)
	}
}

func TestTakeTask_ClientMayMine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, client, 150)
	id, _ := f.e.SubmitTask(ctx, client, f.submission(100))
	if err := f.e.Stake(ctx, client, proto, 50); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if err := f.e.TakeTask(ctx, id, client); err != nil {
		t.Fatalf("TakeTask: %v", err)
	}
	if _, err := f.e.VerifyProof(ctx, id, client, []byte("p")); err != nil {
		t.Fatalf("VerifyProof: %v", err)
	}
	wantBalance(t, f.e, client, 150, 0)
	wantConserved(t, f.e)
}

// ─── Verification ───────────────────────────────────────────────────────────

func TestVerifyProof_InvalidSlashes(t *testing.T) {
	for name, proof := range map[string][]byte{"rejected": []byte("bad"), "empty": nil} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.valid = name != "rejected"
			id := f.assigned(t)

			ok, err := f.e.VerifyProof(context.Background(), id, miner, proof)
			if err != nil || ok {
				t.Fatalf("VerifyProof = %v, %v; want false, nil", ok, err)
			}
			task := f.committed(t, id)
			if task.Status != domain.TaskVerifiedFailed || len(task.Proof) != 0 {
				t.Errorf("task = %s proof %q", task.Status, task.Proof)
			}
			wantBalance(t, f.e, client, 150, 0)
			wantBalance(t, f.e, miner, 10, 0)
			wantConserved(t, f.e)
		})
	}
}

func TestVerifyProof_WrongMiner(t *testing.T) {
	f := newFixture(t)
	id := f.assigned(t)
	if _, err := f.e.VerifyProof(context.Background(), id, other, []byte("p")); !errors.Is(err, domain.ErrNotAssignedMiner) {
		t.Errorf("err = %v, want ErrNotAssignedMiner", err)
	}
	if got := f.committed(t, id).Status; got != domain.TaskAssigned {
		t.Errorf("status = %s, want ASSIGNED", got)
	}
}

func TestVerifyProof_NotAssigned(t *testing.T) {
	f := newFixture(t)
	f.fund(t, client, 100)
	id, _ := f.e.SubmitTask(context.Background(), client, f.submission(100))
	if _, err := f.e.VerifyProof(context.Background(), id, miner, []byte("p")); !errors.Is(err, domain.ErrTaskNotAssigned) {
		t.Errorf("err = %v, want ErrTaskNotAssigned", err)
	}
}

// ─── Deadline Watchdog ──────────────────────────────────────────────────────

func TestCheckExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		status   domain.TaskStatus
		deadline time.Time
		want     bool
	}{
		{domain.TaskAssigned, now.Add(-time.Nanosecond), true},
		{domain.TaskAssigned, now, false},
		{domain.TaskAssigned, now.Add(time.Second), false},
		{domain.TaskSubmitted, now.Add(-time.Hour), false},
		{domain.TaskVerifiedFailed, now.Add(-time.Hour), false},
		{domain.TaskVerifiedSuccess, now.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		s, got := CheckExpiry(domain.Task{Status: tt.status, Deadline: tt.deadline}, now)
		if got != tt.want {
			t.Errorf("CheckExpiry(%s, %v) = %v, want %v", tt.status, tt.deadline.Sub(now), got, tt.want)
		}
		if got && s.Kind != SettleSlash {
			t.Errorf("settlement kind = %s, want slash", s.Kind)
		}
	}
}

func TestWatchdog_EveryEntryPoint(t *testing.T) {
	ctx := context.Background()
	entryPoints := map[string]func(f *fixture, id uint64) error{
		"take": func(f *fixture, id uint64) error {
			return f.e.TakeTask(ctx, id, other)
		},
		"verify": func(f *fixture, id uint64) error {
			_, err := f.e.VerifyProof(ctx, id, miner, []byte("late"))
			return err
		},
		"claim by client": func(f *fixture, id uint64) error {
			_, err := f.e.ClaimCompensation(ctx, id, client)
			return err
		},
		"claim by stranger": func(f *fixture, id uint64) error {
			_, err := f.e.ClaimCompensation(ctx, id, other)
			return err
		},
		"get task": func(f *fixture, id uint64) error {
			_, err := f.e.GetTask(ctx, id)
			return err
		},
		"get proof": func(f *fixture, id uint64) error {
			_, err := f.e.GetProof(ctx, id)
			return err
		},
		"list tasks": func(f *fixture, id uint64) error {
			_, err := f.e.ListTasks(ctx, domain.TaskFilter{})
			return err
		},
		"sweep": func(f *fixture, id uint64) error {
			_, err := f.e.Sweep(ctx)
			return err
		},
	}

	for name, call := range entryPoints {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			id := f.assigned(t)
			f.clock.Advance(time.Hour + time.Second)

			_ = call(f, id) // Rejections are fine; the expiry must stick.

			task := f.committed(t, id)
			if task.Status != domain.TaskVerifiedFailed {
				t.Fatalf("status = %s, want VERIFIED_FAILED", task.Status)
			}
			if got := f.e.Balance(miner, asset).Locked; got != 0 {
				t.Errorf("miner locked = %d, want 0", got)
			}
			var changed int
			for _, ev := range f.rec.Events() {
				if ev.Kind == domain.EventTaskStatusChanged && ev.Status == domain.TaskVerifiedFailed {
					changed++
				}
			}
			if changed != 1 {
				t.Errorf("VERIFIED_FAILED events = %d, want 1", changed)
			}
			wantConserved(t, f.e)
		})
	}
}

func TestWatchdog_VerifyAtDeadlineSucceeds(t *testing.T) {
	f := newFixture(t)
	id := f.assigned(t)
	f.clock.Advance(time.Hour) // deadline == now is not expired

	ok, err := f.e.VerifyProof(context.Background(), id, miner, []byte("p"))
	if err != nil || !ok {
		t.Fatalf("VerifyProof = %v, %v; want true, nil", ok, err)
	}
}

// ─── Terminal States & Claims ───────────────────────────────────────────────

func TestTerminalImmutability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assigned(t)
	if _, err := f.e.VerifyProof(ctx, id, miner, []byte("p")); err != nil {
		t.Fatalf("VerifyProof: %v", err)
	}
	before := f.committed(t, id)
	f.clock.Advance(48 * time.Hour)

	if err := f.e.TakeTask(ctx, id, other); !errors.Is(err, domain.ErrTaskNotOpen) {
		t.Errorf("take: err = %v", err)
	}
	if _, err := f.e.VerifyProof(ctx, id, miner, []byte("again")); !errors.Is(err, domain.ErrTaskNotAssigned) {
		t.Errorf("verify: err = %v", err)
	}
	if paid, err := f.e.ClaimCompensation(ctx, id, client); paid || err != nil {
		t.Errorf("claim = %v, %v; want false, nil", paid, err)
	}
	if _, err := f.e.GetTask(ctx, id); err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	after := f.committed(t, id)
	if after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) || string(after.Proof) != "p" {
		t.Errorf("terminal task changed: before %+v after %+v", before, after)
	}
	wantBalance(t, f.e, miner, 160, 0)
}

func TestClaimCompensation_NotClient(t *testing.T) {
	f := newFixture(t)
	id := f.assigned(t)
	f.valid = false
	f.e.VerifyProof(context.Background(), id, miner, []byte("p"))

	if _, err := f.e.ClaimCompensation(context.Background(), id, miner); !errors.Is(err, domain.ErrNotClient) {
		t.Errorf("err = %v, want ErrNotClient", err)
	}
}

func TestClaimCompensation_AfterUnstake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assigned(t)
	f.valid = false
	f.e.VerifyProof(ctx, id, miner, []byte("p"))

	if err := f.e.Unstake(ctx, client, proto, 150); err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	paid, err := f.e.ClaimCompensation(ctx, id, client)
	if !errors.Is(err, domain.ErrInsufficientAvailable) || paid {
		t.Fatalf("claim = %v, %v; want false, ErrInsufficientAvailable", paid, err)
	}
	if claimed, _ := f.e.Claimed(id); claimed {
		t.Error("failed claim set the flag")
	}
	if got := f.bank.Wallet(client, asset); got != 150 {
		t.Errorf("wallet = %d, want 150", got)
	}
}

func TestClaimCompensation_OpenTaskIsNoop(t *testing.T) {
	f := newFixture(t)
	f.fund(t, client, 100)
	id, _ := f.e.SubmitTask(context.Background(), client, f.submission(100))
	paid, err := f.e.ClaimCompensation(context.Background(), id, client)
	if paid || err != nil {
		t.Errorf("claim = %v, %v; want false, nil", paid, err)
	}
}

// ─── Staking ────────────────────────────────────────────────────────────────

func TestStakeUnstake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, miner, 100)

	if err := f.e.Stake(ctx, miner, proto, 0); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero stake: err = %v", err)
	}
	if err := f.e.Stake(ctx, miner, "nope", 10); !errors.Is(err, domain.ErrUnknownProtocol) {
		t.Errorf("unknown protocol: err = %v", err)
	}
	if err := f.e.Stake(ctx, miner, proto, 101); !errors.Is(err, domain.ErrInsufficientExternalBalance) {
		t.Errorf("overdrawn wallet: err = %v", err)
	}
	if err := f.e.Stake(ctx, miner, proto, 80); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if err := f.e.Unstake(ctx, miner, proto, 81); !errors.Is(err, domain.ErrInsufficientAvailable) {
		t.Errorf("over-unstake: err = %v", err)
	}
	if err := f.e.Unstake(ctx, miner, proto, 30); err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	wantBalance(t, f.e, miner, 50, 0)
	if got := f.bank.Wallet(miner, asset); got != 50 {
		t.Errorf("wallet = %d, want 50", got)
	}
	wantConserved(t, f.e)
}

// ─── Administration ─────────────────────────────────────────────────────────

func TestAdmin_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checks := map[string]error{
		"add":        f.e.AddProtocol(ctx, other, "p2", asset),
		"remove":     f.e.RemoveProtocol(ctx, other, proto),
		"set ask":    f.e.SetAsk(ctx, other, asset, 5),
		"set minadd": f.e.SetMinAdd(ctx, other, proto, asset, 5),
	}
	for name, err := range checks {
		if !errors.Is(err, domain.ErrNotAdmin) {
			t.Errorf("%s: err = %v, want ErrNotAdmin", name, err)
		}
	}
}

func TestRemoveProtocol_ExistingTasksSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assigned(t)
	if err := f.e.RemoveProtocol(ctx, admin, proto); err != nil {
		t.Fatalf("RemoveProtocol: %v", err)
	}
	if _, err := f.e.SubmitTask(ctx, client, f.submission(1)); !errors.Is(err, domain.ErrUnknownProtocol) {
		t.Errorf("submit after removal: err = %v", err)
	}
	if ok, err := f.e.VerifyProof(ctx, id, miner, []byte("p")); err != nil || !ok {
		t.Fatalf("VerifyProof = %v, %v", ok, err)
	}
	wantBalance(t, f.e, miner, 160, 0)

	info, ok := f.e.Protocol(proto)
	if !ok || info.Active() {
		t.Errorf("Protocol = %+v, %v; want inactive entry", info, ok)
	}
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeds := []ProtocolSeed{
		{Protocol: proto, Asset: "other-asset"},
		{Protocol: "groth", Asset: "Y", MinAsk: 7, MinStake: 3},
	}
	n, err := f.e.Seed(ctx, admin, seeds)
	if err != nil || n != 1 {
		t.Fatalf("Seed = %d, %v; want 1, nil", n, err)
	}
	if info, _ := f.e.Protocol(proto); info.Asset != asset {
		t.Errorf("existing protocol overwritten: %+v", info)
	}
	info, ok := f.e.Protocol("groth")
	if !ok || info.Asset != "Y" || info.MinAsk != 7 || info.MinStake["Y"] != 3 {
		t.Errorf("seeded protocol = %+v", info)
	}
	if n, _ := f.e.Seed(ctx, admin, seeds); n != 0 {
		t.Errorf("second seed added %d", n)
	}
}

// ─── Atomicity & Persistence ────────────────────────────────────────────────

type flakyStore struct {
	fail    bool
	commits []*domain.ChangeSet
	seq     int64
}

func (s *flakyStore) LoadMarket(context.Context) (*domain.MarketState, error) {
	return &domain.MarketState{}, nil
}

func (s *flakyStore) CommitMarket(_ context.Context, cs *domain.ChangeSet) error {
	if s.fail {
		return errors.New("disk full")
	}
	for i := range cs.Events {
		s.seq++
		cs.Events[i].Seq = s.seq
	}
	s.commits = append(s.commits, cs)
	return nil
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := &flakyStore{}
	f := newFixture(t, WithStateStore(store))
	ctx := context.Background()
	f.fund(t, client, 100)

	store.fail = true
	if _, err := f.e.SubmitTask(ctx, client, f.submission(100)); err == nil {
		t.Fatal("expected persistence error")
	}
	if got := f.bank.Wallet(client, asset); got != 100 {
		t.Errorf("wallet = %d after rollback, want 100", got)
	}
	if f.e.TaskCount() != 0 {
		t.Error("task visible after failed persist")
	}
	wantBalance(t, f.e, client, 0, 0)
	if len(f.rec.Events()) != 0 {
		t.Error("events published for failed operation")
	}

	store.fail = false
	id, err := f.e.SubmitTask(ctx, client, f.submission(100))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	last := store.commits[len(store.commits)-1]
	if len(last.Tasks) != 1 || last.Tasks[0].ID != id || last.NextTaskID != 1 {
		t.Errorf("change set tasks = %+v next %d", last.Tasks, last.NextTaskID)
	}
	if len(last.Entries) != 3 {
		t.Errorf("change set entries = %d, want 3 (deposit + escrow pair)", len(last.Entries))
	}
	for _, en := range last.Entries {
		if en.OpID != last.OpID {
			t.Errorf("entry op id %q != change set %q", en.OpID, last.OpID)
		}
	}
	if evs := f.rec.Events(); len(evs) != 1 || evs[0].Seq == 0 {
		t.Errorf("published events = %+v, want one with Seq", evs)
	}
}

func TestReadOnlyOperationsDoNotPersist(t *testing.T) {
	store := &flakyStore{}
	f := newFixture(t, WithStateStore(store))
	f.fund(t, client, 100)
	id, _ := f.e.SubmitTask(context.Background(), client, f.submission(100))
	n := len(store.commits)

	f.e.GetTask(context.Background(), id)
	f.e.ListTasks(context.Background(), domain.TaskFilter{})
	f.e.ClaimCompensation(context.Background(), id, client)

	if len(store.commits) != n {
		t.Errorf("reads committed %d change sets", len(store.commits)-n)
	}
}

func TestListTasks_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assigned(t)
	f.fund(t, other, 10)
	if _, err := f.e.SubmitTask(ctx, other, f.submission(10)); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	byMiner, _ := f.e.ListTasks(ctx, domain.TaskFilter{Miner: miner})
	if len(byMiner) != 1 || byMiner[0].ID != id {
		t.Errorf("by miner = %+v", byMiner)
	}
	open, _ := f.e.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskSubmitted})
	if len(open) != 1 || open[0].Client != other {
		t.Errorf("open = %+v", open)
	}
	all, _ := f.e.ListTasks(ctx, domain.TaskFilter{Limit: 1})
	if len(all) != 1 {
		t.Errorf("limit ignored: %d", len(all))
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrTaskNotOpen, "task_not_open"},
		{fmt.Errorf("stake 1 < 5: %w", domain.ErrStakeTooLow), "stake_too_low"},
		{errors.New("boom"), "internal"},
		{domain.ErrInsufficientExternalBalance, "insufficient_external_balance"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
