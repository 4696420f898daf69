package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/proofmarket/pmkt/internal/domain"
)

const metaNextTaskID = "next_task_id"

// ─── State Store ────────────────────────────────────────────────────────────
// DB implements domain.StateStore. Every committed market operation is one
// SQLite transaction, so a crash never leaves half an operation on disk.

// LoadMarket reads the full market state.
func (d *DB) LoadMarket(ctx context.Context) (*domain.MarketState, error) {
	st := &domain.MarketState{
		Asks:     make(map[domain.AssetID]domain.Amount),
		Balances: make(map[domain.BalanceKey]domain.Balance),
		Totals:   make(map[domain.AssetID]domain.AssetTotals),
	}

	if err := d.loadProtocols(ctx, st); err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, `SELECT asset, min_price FROM asks`)
	if err != nil {
		return nil, fmt.Errorf("load asks: %w", err)
	}
	for rows.Next() {
		var asset string
		var price int64
		if err := rows.Scan(&asset, &price); err != nil {
			rows.Close()
			return nil, err
		}
		st.Asks[domain.AssetID(asset)] = fromAmt(price)
	}
	rows.Close()

	rows, err = d.db.QueryContext(ctx, `SELECT user, asset, available, locked FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for rows.Next() {
		var user, asset string
		var avail, locked int64
		if err := rows.Scan(&user, &asset, &avail, &locked); err != nil {
			rows.Close()
			return nil, err
		}
		k := domain.BalanceKey{User: domain.Address(user), Asset: domain.AssetID(asset)}
		st.Balances[k] = domain.Balance{Available: fromAmt(avail), Locked: fromAmt(locked)}
	}
	rows.Close()

	rows, err = d.db.QueryContext(ctx, `SELECT asset, deposited, withdrawn FROM asset_totals`)
	if err != nil {
		return nil, fmt.Errorf("load totals: %w", err)
	}
	for rows.Next() {
		var asset string
		var dep, wd int64
		if err := rows.Scan(&asset, &dep, &wd); err != nil {
			rows.Close()
			return nil, err
		}
		st.Totals[domain.AssetID(asset)] = domain.AssetTotals{Deposited: fromAmt(dep), Withdrawn: fromAmt(wd)}
	}
	rows.Close()

	rows, err = d.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for rows.Next() {
		t, claimed, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		st.Tasks = append(st.Tasks, t)
		if claimed {
			st.Claimed = append(st.Claimed, t.ID)
		}
	}
	rows.Close()

	next, err := d.GetMeta(ctx, metaNextTaskID)
	if err != nil {
		return nil, fmt.Errorf("load task counter: %w", err)
	}
	if next != "" {
		st.NextTaskID, err = strconv.ParseUint(next, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse task counter %q: %w", next, err)
		}
	}
	return st, nil
}

func (d *DB) loadProtocols(ctx context.Context, st *domain.MarketState) error {
	rows, err := d.db.QueryContext(ctx, `SELECT protocol, asset FROM protocols ORDER BY protocol`)
	if err != nil {
		return fmt.Errorf("load protocols: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var p domain.ProtocolEntry
		var asset string
		if err := rows.Scan(&p.Protocol, &asset); err != nil {
			rows.Close()
			return err
		}
		p.Asset = domain.AssetID(asset)
		index[p.Protocol] = len(st.Protocols)
		st.Protocols = append(st.Protocols, p)
	}
	rows.Close()

	rows, err = d.db.QueryContext(ctx, `SELECT protocol, asset, amount FROM min_stakes`)
	if err != nil {
		return fmt.Errorf("load min stakes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var protocol, asset string
		var amount int64
		if err := rows.Scan(&protocol, &asset, &amount); err != nil {
			return err
		}
		i, ok := index[protocol]
		if !ok {
			continue
		}
		if st.Protocols[i].MinStake == nil {
			st.Protocols[i].MinStake = make(map[domain.AssetID]domain.Amount)
		}
		st.Protocols[i].MinStake[domain.AssetID(asset)] = fromAmt(amount)
	}
	return rows.Err()
}

// CommitMarket writes one operation's change set in a single transaction
// and assigns each event its sequence number.
func (d *DB) CommitMarket(ctx context.Context, cs *domain.ChangeSet) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, p := range cs.Protocols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO protocols (protocol, asset) VALUES (?, ?)
			 ON CONFLICT(protocol) DO UPDATE SET asset=excluded.asset`,
			p.Protocol, string(p.Asset),
		); err != nil {
			return fmt.Errorf("write protocol %s: %w", p.Protocol, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM min_stakes WHERE protocol = ?`, p.Protocol); err != nil {
			return fmt.Errorf("clear min stakes %s: %w", p.Protocol, err)
		}
		for asset, amount := range p.MinStake {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO min_stakes (protocol, asset, amount) VALUES (?, ?, ?)`,
				p.Protocol, string(asset), amt(amount),
			); err != nil {
				return fmt.Errorf("write min stake %s/%s: %w", p.Protocol, asset, err)
			}
		}
	}

	for asset, price := range cs.Asks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO asks (asset, min_price) VALUES (?, ?)
			 ON CONFLICT(asset) DO UPDATE SET min_price=excluded.min_price`,
			string(asset), amt(price),
		); err != nil {
			return fmt.Errorf("write ask %s: %w", asset, err)
		}
	}

	for k, b := range cs.Balances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO balances (user, asset, available, locked) VALUES (?, ?, ?, ?)
			 ON CONFLICT(user, asset) DO UPDATE SET available=excluded.available, locked=excluded.locked`,
			string(k.User), string(k.Asset), amt(b.Available), amt(b.Locked),
		); err != nil {
			return fmt.Errorf("write balance %s/%s: %w", k.User, k.Asset, err)
		}
	}

	for asset, tot := range cs.Totals {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO asset_totals (asset, deposited, withdrawn) VALUES (?, ?, ?)
			 ON CONFLICT(asset) DO UPDATE SET deposited=excluded.deposited, withdrawn=excluded.withdrawn`,
			string(asset), amt(tot.Deposited), amt(tot.Withdrawn),
		); err != nil {
			return fmt.Errorf("write totals %s: %w", asset, err)
		}
	}

	for _, e := range cs.Entries {
		var taskID any
		if e.TaskID != nil {
			taskID = int64(*e.TaskID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries
			 (op_id, timestamp, kind, entry_type, user, asset, field, amount, after, task_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.OpID, unixNano(e.Timestamp), string(e.Kind), string(e.EntryType),
			string(e.User), string(e.Asset), string(e.Field), amt(e.Amount), amt(e.After), taskID,
		); err != nil {
			return fmt.Errorf("write ledger entry: %w", err)
		}
	}

	for _, t := range cs.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks
			 (id, url, vk, protocol, asset, client, miner, price, deadline, status,
			  input_data, proof, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   miner=excluded.miner, status=excluded.status,
			   proof=excluded.proof, updated_at=excluded.updated_at`,
			int64(t.ID), t.URL, t.VK, t.Protocol, string(t.Asset), string(t.Client),
			string(t.Miner), amt(t.Price), unixNano(t.Deadline), string(t.Status),
			t.InputData, t.Proof, unixNano(t.CreatedAt), unixNano(t.UpdatedAt),
		); err != nil {
			return fmt.Errorf("write task %d: %w", t.ID, err)
		}
	}

	for _, id := range cs.Claims {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET claimed = 1 WHERE id = ?`, int64(id))
		if err != nil {
			return fmt.Errorf("mark task %d claimed: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("mark task %d claimed: task not stored", id)
		}
	}

	if len(cs.Tasks) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			metaNextTaskID, strconv.FormatUint(cs.NextTaskID, 10),
		); err != nil {
			return fmt.Errorf("write task counter: %w", err)
		}
	}

	seqs := make([]int64, len(cs.Events))
	for i, ev := range cs.Events {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (op_id, kind, task_id, status, payload, at) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.OpID, string(ev.Kind), int64(ev.TaskID), string(ev.Status), ev.Payload, unixNano(ev.At),
		)
		if err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		if seqs[i], err = res.LastInsertId(); err != nil {
			return fmt.Errorf("event seq: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for i := range cs.Events {
		cs.Events[i].Seq = seqs[i]
	}
	return nil
}

// ─── History ────────────────────────────────────────────────────────────────

// LedgerEntries returns up to limit journal rows for user, newest first.
// An empty user returns rows for everyone; limit <= 0 means 100.
func (d *DB) LedgerEntries(ctx context.Context, user domain.Address, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, op_id, timestamp, kind, entry_type, user, asset, field, amount, after, task_id
		FROM ledger_entries`
	args := []any{}
	if user != "" {
		query += ` WHERE user = ?`
		args = append(args, string(user))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var ts, amount, after int64
		var kind, entryType, u, asset, field string
		var taskID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.OpID, &ts, &kind, &entryType, &u, &asset, &field,
			&amount, &after, &taskID); err != nil {
			return nil, err
		}
		e.Timestamp = fromUnixNano(ts)
		e.Kind = domain.MovementKind(kind)
		e.EntryType = domain.EntryType(entryType)
		e.User = domain.Address(u)
		e.Asset = domain.AssetID(asset)
		e.Field = domain.BalanceField(field)
		e.Amount = fromAmt(amount)
		e.After = fromAmt(after)
		if taskID.Valid {
			id := uint64(taskID.Int64)
			e.TaskID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns events with Seq greater than afterSeq, oldest first.
// limit <= 0 means 100.
func (d *DB) Events(ctx context.Context, afterSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, op_id, kind, task_id, status, payload, at
		 FROM events WHERE seq > ? ORDER BY seq LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var kind, status string
		var taskID, at int64
		if err := rows.Scan(&ev.Seq, &ev.OpID, &kind, &taskID, &status, &ev.Payload, &at); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		ev.TaskID = uint64(taskID)
		ev.Status = domain.TaskStatus(status)
		ev.At = fromUnixNano(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

const taskColumns = `id, url, vk, protocol, asset, client, miner, price, deadline, status,
	input_data, proof, created_at, updated_at, claimed`

func scanTask(s scanner) (domain.Task, bool, error) {
	var t domain.Task
	var id, price, deadline, created, updated int64
	var asset, client, miner, status string
	var claimed bool
	if err := s.Scan(&id, &t.URL, &t.VK, &t.Protocol, &asset, &client, &miner, &price,
		&deadline, &status, &t.InputData, &t.Proof, &created, &updated, &claimed); err != nil {
		return domain.Task{}, false, err
	}
	t.ID = uint64(id)
	t.Asset = domain.AssetID(asset)
	t.Client = domain.Address(client)
	t.Miner = domain.Address(miner)
	t.Price = fromAmt(price)
	t.Deadline = fromUnixNano(deadline)
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	if len(t.Proof) == 0 {
		t.Proof = nil
	}
	return t, claimed, nil
}
