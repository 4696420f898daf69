// Package market is the exclusive-access domain of pmkt. It composes the
// protocol registry, the stake ledger and the task store behind one lock and
// runs every public operation as a single all-or-nothing unit:
//
//	lock → watchdog → preconditions + staged mutations → external movement
//	     → persist → commit in memory → publish events
//
// Any failure before the in-memory commit leaves no trace.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proofmarket/pmkt/internal/app/ledger"
	"github.com/proofmarket/pmkt/internal/app/protocol"
	"github.com/proofmarket/pmkt/internal/app/tasks"
	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/infra/bank"
	"github.com/proofmarket/pmkt/internal/infra/logger"
	"github.com/proofmarket/pmkt/internal/infra/metrics"
	"github.com/proofmarket/pmkt/internal/infra/verifier"
)

// Verifiers resolves the proof verifier for a protocol.
type Verifiers interface {
	For(protocol string) domain.ProofVerifier
}

// Engine owns all market state.
type Engine struct {
	mu sync.Mutex

	registry *protocol.Registry
	ledger   *ledger.Ledger
	tasks    *tasks.Store

	bank      domain.Bank
	verifiers Verifiers
	sink      domain.EventSink
	store     domain.StateStore
	clock     func() time.Time
	log       *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBank sets the value-transfer collaborator. Defaults to an empty
// in-memory bank.
func WithBank(b domain.Bank) Option { return func(e *Engine) { e.bank = b } }

// WithVerifiers sets the per-protocol proof verifiers. Defaults to a set that
// accepts every non-empty proof.
func WithVerifiers(v Verifiers) Option { return func(e *Engine) { e.verifiers = v } }

// WithEventSink sets where committed events are published.
func WithEventSink(s domain.EventSink) Option { return func(e *Engine) { e.sink = s } }

// WithStateStore makes the engine durable: state is loaded at construction
// and every committed operation is persisted before it becomes visible.
func WithStateStore(s domain.StateStore) Option { return func(e *Engine) { e.store = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// WithLogger overrides the engine logger.
func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.log = l } }

// New builds an engine. When a state store is configured the persisted
// market is restored before New returns.
func New(ctx context.Context, acl domain.AccessControl, opts ...Option) (*Engine, error) {
	e := &Engine{
		registry:  protocol.NewRegistry(acl),
		ledger:    ledger.New(),
		tasks:     tasks.NewStore(),
		bank:      bank.NewMemory(),
		verifiers: verifier.NewSet(verifier.AlwaysValid{}),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.New("market")
	}
	if e.store != nil {
		if err := e.restore(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) restore(ctx context.Context) error {
	st, err := e.store.LoadMarket(ctx)
	if err != nil {
		return fmt.Errorf("load market: %w", err)
	}
	if uint64(len(st.Tasks)) != st.NextTaskID {
		return fmt.Errorf("load market: %d tasks but counter %d: %w",
			len(st.Tasks), st.NextTaskID, domain.ErrInvariant)
	}
	if err := e.tasks.Restore(st.Tasks, st.Claimed); err != nil {
		return fmt.Errorf("load market: %w", err)
	}
	e.registry.Restore(st.Protocols, st.Asks)
	e.ledger.Restore(st.Balances, st.Totals)
	if !e.ledger.Conserved() {
		e.log.Error("restored ledger fails conservation audit")
	}
	metrics.ObserveTaskStats(e.tasks.Stats())
	metrics.ObserveAudit(e.ledger.Audit())
	e.log.Info("market restored",
		"tasks", len(st.Tasks), "protocols", len(st.Protocols), "balances", len(st.Balances))
	return nil
}

// ─── Atomic Unit ────────────────────────────────────────────────────────────

type direction string

const (
	debit  direction = "debit"
	credit direction = "credit"
)

// externalMove is the single value transfer an operation may stage.
type externalMove struct {
	dir    direction
	user   domain.Address
	asset  domain.AssetID
	amount domain.Amount
}

type settled struct {
	task    domain.Task
	kind    SettlementKind
	trigger string
}

// unit is one operation's staged view of the market.
type unit struct {
	op    string
	opID  string
	now   time.Time
	reg   *protocol.Txn
	led   *ledger.Txn
	tasks *tasks.Txn

	events  []domain.Event
	ext     *externalMove
	settled []settled
	created []string // Protocols of submitted tasks
	claimed int
}

func (e *Engine) begin(op string, now time.Time) *unit {
	opID := uuid.NewString()
	return &unit{
		op:    op,
		opID:  opID,
		now:   now,
		reg:   e.registry.Begin(),
		led:   e.ledger.Begin(opID, now),
		tasks: e.tasks.Begin(),
	}
}

func (u *unit) emit(kind domain.EventKind, taskID uint64, status domain.TaskStatus, payload []byte) {
	u.events = append(u.events, domain.Event{
		OpID:    u.opID,
		Kind:    kind,
		TaskID:  taskID,
		Status:  status,
		Payload: payload,
		At:      u.now,
	})
}

func (u *unit) stageExternal(dir direction, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	if u.ext != nil {
		return fmt.Errorf("%s: second external movement: %w", u.op, domain.ErrInvariant)
	}
	if amount == 0 {
		return nil
	}
	u.ext = &externalMove{dir: dir, user: user, asset: asset, amount: amount}
	return nil
}

func (u *unit) changeSet() (*domain.ChangeSet, error) {
	if err := u.tasks.Validate(); err != nil {
		return nil, err
	}
	cs := &domain.ChangeSet{OpID: u.opID, Events: u.events}
	cs.Protocols, cs.Asks = u.reg.Changes()
	cs.Balances, cs.Totals, cs.Entries = u.led.Changes()
	cs.Tasks, cs.Claims, cs.NextTaskID = u.tasks.Changes()
	return cs, nil
}

// atomic runs fn as one operation. touch lists task ids the watchdog must
// check first; it is evaluated under the lock with the operation's clock
// reading. Expiry settlements commit as their own unit, so they stick even
// when fn is then rejected.
func (e *Engine) atomic(ctx context.Context, op string, touch func(now time.Time) []uint64, fn func(u *unit) error) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	var err error
	if touch != nil {
		if ids := touch(now); len(ids) > 0 {
			err = e.apply(ctx, "watchdog", now, func(u *unit) error {
				for _, id := range ids {
					if _, err := e.touch(u, id); err != nil && !errors.Is(err, domain.ErrInvalidTaskID) {
						return err
					}
				}
				return nil
			})
		}
	}
	if err == nil {
		err = e.apply(ctx, op, now, fn)
	}

	metrics.OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OpRejections.WithLabelValues(op, Reason(err)).Inc()
		e.log.Info("operation rejected", "op", op, "reason", Reason(err), "err", err)
	}
	return err
}

// apply stages fn, moves external value, persists and commits. The caller
// holds e.mu.
func (e *Engine) apply(ctx context.Context, op string, now time.Time, fn func(u *unit) error) error {
	u := e.begin(op, now)
	if err := fn(u); err != nil {
		return err
	}
	cs, err := u.changeSet()
	if err != nil {
		return err
	}
	if cs.Empty() && u.ext == nil {
		return nil
	}

	if err := e.moveExternal(ctx, u.ext); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.CommitMarket(ctx, cs); err != nil {
			e.reverseExternal(ctx, u)
			return fmt.Errorf("%s: persist: %w", op, err)
		}
	}

	u.reg.Commit()
	u.led.Commit()
	u.tasks.Commit()

	e.afterCommit(u, cs)
	return nil
}

func (e *Engine) moveExternal(ctx context.Context, m *externalMove) error {
	if m == nil {
		return nil
	}
	var err error
	switch m.dir {
	case debit:
		err = e.bank.Debit(ctx, m.user, m.asset, m.amount)
	case credit:
		err = e.bank.Credit(ctx, m.user, m.asset, m.amount)
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.ExternalMovements.WithLabelValues(string(m.dir), outcome).Inc()
	if err != nil {
		return fmt.Errorf("%s %d %s for %s: %w", m.dir, m.amount, m.asset, m.user, err)
	}
	return nil
}

// reverseExternal undoes a movement whose persistence failed.
func (e *Engine) reverseExternal(ctx context.Context, u *unit) {
	m := u.ext
	if m == nil {
		return
	}
	var err error
	switch m.dir {
	case debit:
		err = e.bank.Credit(ctx, m.user, m.asset, m.amount)
	case credit:
		err = e.bank.Debit(ctx, m.user, m.asset, m.amount)
	}
	if err != nil {
		e.log.Error("external movement not reversed",
			"op", u.op, "op_id", u.opID, "dir", string(m.dir),
			"user", string(m.user), "asset", string(m.asset), "amount", uint64(m.amount), "err", err)
	}
}

func (e *Engine) afterCommit(u *unit, cs *domain.ChangeSet) {
	for _, p := range u.created {
		metrics.TasksCreated.WithLabelValues(p).Inc()
	}
	for _, s := range u.settled {
		metrics.Settlements.WithLabelValues(string(s.kind), s.trigger).Inc()
		e.log.Info("task settled",
			"task_id", s.task.ID, "kind", string(s.kind), "trigger", s.trigger,
			"client", string(s.task.Client), "miner", string(s.task.Miner),
			"amount", uint64(Compensation(s.task.Price)))
	}
	if u.claimed > 0 {
		metrics.CompensationClaims.Add(float64(u.claimed))
	}
	if len(cs.Tasks) > 0 {
		metrics.ObserveTaskStats(e.tasks.Stats())
	}
	if len(cs.Entries) > 0 {
		metrics.ObserveAudit(e.ledger.Audit())
	}

	e.log.Debug("operation committed",
		"op", u.op, "op_id", u.opID, "entries", len(cs.Entries), "events", len(cs.Events))

	if e.sink == nil {
		return
	}
	for _, ev := range cs.Events {
		e.sink.Publish(ev)
	}
}

// ─── Error Reasons ──────────────────────────────────────────────────────────

var reasons = []struct {
	err  error
	name string
}{
	{domain.ErrInvalidDeadline, "invalid_deadline"},
	{domain.ErrPriceBelowMinimum, "price_below_minimum"},
	{domain.ErrUnknownProtocol, "unknown_protocol"},
	{domain.ErrInvalidURL, "invalid_url"},
	{domain.ErrInvalidVK, "invalid_vk"},
	{domain.ErrInvalidInputData, "invalid_input_data"},
	{domain.ErrInvalidTaskID, "invalid_task_id"},
	{domain.ErrTaskNotOpen, "task_not_open"},
	{domain.ErrTaskNotAssigned, "task_not_assigned"},
	{domain.ErrTaskExpired, "task_expired"},
	{domain.ErrNotAssignedMiner, "not_assigned_miner"},
	{domain.ErrNotClient, "not_client"},
	{domain.ErrInsufficientCollateral, "insufficient_collateral"},
	{domain.ErrInsufficientAvailable, "insufficient_available"},
	{domain.ErrInsufficientLocked, "insufficient_locked"},
	{domain.ErrInsufficientExternalBalance, "insufficient_external_balance"},
	{domain.ErrStakeTooLow, "stake_too_low"},
	{domain.ErrInvalidAmount, "invalid_amount"},
	{domain.ErrAmountOverflow, "amount_overflow"},
	{domain.ErrNotAdmin, "not_admin"},
	{domain.ErrInvalidAsset, "invalid_asset"},
	{domain.ErrInvalidCaller, "invalid_caller"},
	{domain.ErrInvariant, "invariant"},
}

// Reason returns a stable snake_case name for the domain error kind of err,
// or "internal" when err wraps none.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "internal"
}
