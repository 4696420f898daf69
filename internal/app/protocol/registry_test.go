package protocol

import (
	"errors"
	"testing"

	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/infra/acl"
)

const admin domain.Address = "admin"

func newTestRegistry() *Registry {
	return NewRegistry(acl.NewStatic(admin))
}

// ─── Admin Operations ───────────────────────────────────────────────────────

func TestRegistry_AddProtocol(t *testing.T) {
	r := newTestRegistry()
	tx := r.Begin()
	if err := tx.AddProtocol(admin, "plonk", "usdc"); err != nil {
		t.Fatalf("AddProtocol: %v", err)
	}

	// Not visible before commit
	if _, ok := r.Resolve("plonk"); ok {
		t.Error("staged protocol visible before Commit")
	}
	if asset, ok := tx.Resolve("plonk"); !ok || asset != "usdc" {
		t.Errorf("txn Resolve = %q, %v; want usdc, true", asset, ok)
	}

	tx.Commit()
	if asset, ok := r.Resolve("plonk"); !ok || asset != "usdc" {
		t.Errorf("Resolve = %q, %v; want usdc, true", asset, ok)
	}
}

func TestRegistry_AddProtocolInvalidAsset(t *testing.T) {
	r := newTestRegistry()
	err := r.Begin().AddProtocol(admin, "plonk", "")
	if !errors.Is(err, domain.ErrInvalidAsset) {
		t.Errorf("err = %v, want ErrInvalidAsset", err)
	}
}

func TestRegistry_NotAdmin(t *testing.T) {
	r := newTestRegistry()
	tx := r.Begin()

	checks := map[string]error{
		"add":    tx.AddProtocol("mallory", "plonk", "usdc"),
		"remove": tx.RemoveProtocol("mallory", "plonk"),
		"ask":    tx.SetAsk("mallory", "usdc", 1),
		"minadd": tx.SetMinAdd("mallory", "plonk", "usdc", 1),
	}
	for name, err := range checks {
		if !errors.Is(err, domain.ErrNotAdmin) {
			t.Errorf("%s: err = %v, want ErrNotAdmin", name, err)
		}
	}
	if entries, asks := tx.Changes(); len(entries) != 0 || len(asks) != 0 {
		t.Error("rejected calls must not stage changes")
	}
}

func TestRegistry_RemoveProtocolIsSoft(t *testing.T) {
	r := newTestRegistry()
	tx := r.Begin()
	tx.AddProtocol(admin, "plonk", "usdc")
	tx.SetMinAdd(admin, "plonk", "usdc", 10)
	tx.Commit()

	tx = r.Begin()
	if err := tx.RemoveProtocol(admin, "plonk"); err != nil {
		t.Fatalf("RemoveProtocol: %v", err)
	}
	tx.Commit()

	if _, ok := r.Resolve("plonk"); ok {
		t.Error("removed protocol should not resolve")
	}
	e, ok := r.Entry("plonk")
	if !ok {
		t.Fatal("removed protocol entry should still exist")
	}
	if e.Asset != "" {
		t.Errorf("Asset = %q, want empty", e.Asset)
	}
	if e.MinStake["usdc"] != 10 {
		t.Errorf("MinStake = %d, want 10 kept for audit", e.MinStake["usdc"])
	}
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := newTestRegistry()
	tx := r.Begin()
	if err := tx.RemoveProtocol(admin, "nope"); err != nil {
		t.Fatalf("RemoveProtocol: %v", err)
	}
	if entries, _ := tx.Changes(); len(entries) != 0 {
		t.Errorf("staged %d entries, want 0", len(entries))
	}
}

func TestRegistry_SetAsk(t *testing.T) {
	r := newTestRegistry()
	tx := r.Begin()
	if err := tx.SetAsk(admin, "usdc", 25); err != nil {
		t.Fatalf("SetAsk: %v", err)
	}
	if tx.MinAsk("usdc") != 25 {
		t.Errorf("txn MinAsk = %d, want 25", tx.MinAsk("usdc"))
	}
	tx.Commit()
	if r.MinAsk("usdc") != 25 {
		t.Errorf("MinAsk = %d, want 25", r.MinAsk("usdc"))
	}
	if r.MinAsk("dai") != 0 {
		t.Errorf("unset MinAsk = %d, want 0", r.MinAsk("dai"))
	}

	if err := r.Begin().SetAsk(admin, "", 1); !errors.Is(err, domain.ErrInvalidAsset) {
		t.Errorf("err = %v, want ErrInvalidAsset", err)
	}
}

func TestRegistry_SetMinAdd(t *testing.T) {
	r := newTestRegistry()

	err := r.Begin().SetMinAdd(admin, "plonk", "usdc", 10)
	if !errors.Is(err, domain.ErrUnknownProtocol) {
		t.Fatalf("err = %v, want ErrUnknownProtocol", err)
	}

	tx := r.Begin()
	tx.AddProtocol(admin, "plonk", "usdc")
	if err := tx.SetMinAdd(admin, "plonk", "usdc", 10); err != nil {
		t.Fatalf("SetMinAdd in same txn: %v", err)
	}
	tx.Commit()

	if got := r.MinStake("plonk", "usdc"); got != 10 {
		t.Errorf("MinStake = %d, want 10", got)
	}
	if got := r.MinStake("groth16", "usdc"); got != 0 {
		t.Errorf("unknown MinStake = %d, want 0", got)
	}
}

func TestRegistry_ReAddKeepsMinStake(t *testing.T) {
	r := newTestRegistry()
	tx := r.Begin()
	tx.AddProtocol(admin, "plonk", "usdc")
	tx.SetMinAdd(admin, "plonk", "usdc", 7)
	tx.Commit()

	tx = r.Begin()
	tx.AddProtocol(admin, "plonk", "dai")
	tx.Commit()

	if asset, _ := r.Resolve("plonk"); asset != "dai" {
		t.Errorf("asset = %q, want dai", asset)
	}
	if r.MinStake("plonk", "usdc") != 7 {
		t.Error("re-adding should keep configured min stakes")
	}
}

func TestRegistry_RestoreAndAll(t *testing.T) {
	r := newTestRegistry()
	r.Restore([]domain.ProtocolEntry{
		{Protocol: "zeta", Asset: "usdc"},
		{Protocol: "alpha", Asset: "dai", MinStake: map[domain.AssetID]domain.Amount{"dai": 3}},
	}, map[domain.AssetID]domain.Amount{"dai": 5})

	all := r.All()
	if len(all) != 2 || all[0].Protocol != "alpha" || all[1].Protocol != "zeta" {
		t.Fatalf("All = %+v, want alpha, zeta", all)
	}
	if r.MinAsk("dai") != 5 || r.MinStake("alpha", "dai") != 3 {
		t.Error("restored values not visible")
	}
	if asks := r.Asks(); asks["dai"] != 5 {
		t.Errorf("Asks = %v", asks)
	}
}
