package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proofmarket/pmkt/internal/domain"
)

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func taskID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id: "+chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// ─── Registry ───────────────────────────────────────────────────────────────

type protocolRequest struct {
	Protocol string         `json:"protocol"`
	Asset    domain.AssetID `json:"asset"`
}

type amountRequest struct {
	Amount domain.Amount `json:"amount"`
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"protocols": s.market.Protocols()})
}

func (s *Server) handleAddProtocol(w http.ResponseWriter, r *http.Request) {
	var req protocolRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.market.AddProtocol(r.Context(), caller(r), req.Protocol, req.Asset); err != nil {
		writeMarketError(w, err)
		return
	}
	info, _ := s.market.Protocol(req.Protocol)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	info, ok := s.market.Protocol(chi.URLParam(r, "protocol"))
	if !ok {
		writeError(w, http.StatusNotFound, "protocol not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveProtocol(w http.ResponseWriter, r *http.Request) {
	if err := s.market.RemoveProtocol(r.Context(), caller(r), chi.URLParam(r, "protocol")); err != nil {
		writeMarketError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMinStake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	protocol := chi.URLParam(r, "protocol")
	asset := domain.AssetID(chi.URLParam(r, "asset"))
	if err := s.market.SetMinAdd(r.Context(), caller(r), protocol, asset, req.Amount); err != nil {
		writeMarketError(w, err)
		return
	}
	info, _ := s.market.Protocol(protocol)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListAsks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"asks": s.market.Asks()})
}

func (s *Server) handleSetAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinPrice domain.Amount `json:"min_price"`
	}
	if !decode(w, r, &req) {
		return
	}
	asset := domain.AssetID(chi.URLParam(r, "asset"))
	if err := s.market.SetAsk(r.Context(), caller(r), asset, req.MinPrice); err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"asset": asset, "min_price": req.MinPrice})
}

// ─── Staking & Ledger ───────────────────────────────────────────────────────

type stakeRequest struct {
	Protocol string        `json:"protocol"`
	Amount   domain.Amount `json:"amount"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.market.Stake(r.Context(), caller(r), req.Protocol, req.Amount); err != nil {
		writeMarketError(w, err)
		return
	}
	s.writeStakeBalance(w, r, req.Protocol)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.market.Unstake(r.Context(), caller(r), req.Protocol, req.Amount); err != nil {
		writeMarketError(w, err)
		return
	}
	s.writeStakeBalance(w, r, req.Protocol)
}

func (s *Server) writeStakeBalance(w http.ResponseWriter, r *http.Request, protocol string) {
	info, _ := s.market.Protocol(protocol)
	writeJSON(w, http.StatusOK, balanceResponse{
		User:    caller(r),
		Asset:   info.Asset,
		Balance: s.market.Balance(caller(r), info.Asset),
	})
}

type balanceResponse struct {
	User  domain.Address `json:"user"`
	Asset domain.AssetID `json:"asset"`
	domain.Balance
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := domain.Address(chi.URLParam(r, "user"))
	asset := domain.AssetID(chi.URLParam(r, "asset"))
	writeJSON(w, http.StatusOK, balanceResponse{User: user, Asset: asset, Balance: s.market.Balance(user, asset)})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	user := domain.Address(r.URL.Query().Get("user"))
	entries, err := s.market.Entries(r.Context(), user, queryInt(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	audits := s.market.Audit()
	ok := true
	for _, a := range audits {
		ok = ok && a.OK
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conserved": ok, "assets": audits})
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

type taskResponse struct {
	domain.Task
	Claimed bool `json:"claimed"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub domain.Submission
	if !decode(w, r, &sub) {
		return
	}
	id, err := s.market.SubmitTask(r.Context(), caller(r), sub)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TaskFilter{
		Status: domain.TaskStatus(q.Get("status")),
		Client: domain.Address(q.Get("client")),
		Miner:  domain.Address(q.Get("miner")),
		Limit:  queryInt(r, "limit"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(f.Status))
		return
	}
	tasks, err := s.market.ListTasks(r.Context(), f)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.market.GetTask(r.Context(), id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	claimed, _ := s.market.Claimed(id)
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Claimed: claimed})
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	proof, err := s.market.GetProof(r.Context(), id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "proof": proof})
}

func (s *Server) handleTakeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.market.TakeTask(r.Context(), id, caller(r)); err != nil {
		writeMarketError(w, err)
		return
	}
	s.writeTask(w, r, id)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req struct {
		Proof []byte `json:"proof"`
	}
	if !decode(w, r, &req) {
		return
	}
	valid, err := s.market.VerifyProof(r.Context(), id, caller(r), req.Proof)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	paid, err := s.market.ClaimCompensation(r.Context(), id, caller(r))
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "paid": paid})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.market.Sweep(r.Context())
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// writeTask answers with the committed task state after a mutation.
func (s *Server) writeTask(w http.ResponseWriter, r *http.Request, id uint64) {
	task, err := s.market.GetTask(r.Context(), id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	claimed, _ := s.market.Claimed(id)
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Claimed: claimed})
}

// ─── Wallets ────────────────────────────────────────────────────────────────

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	user := domain.Address(chi.URLParam(r, "user"))
	asset := domain.AssetID(chi.URLParam(r, "asset"))
	amount, err := s.wallets.Wallet(r.Context(), user, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user, "asset": asset, "amount": amount})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  domain.AssetID `json:"asset"`
		Amount domain.Amount  `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		writeMarketError(w, domain.ErrInvalidAsset)
		return
	}
	user := domain.Address(chi.URLParam(r, "user"))
	if err := s.wallets.Fund(r.Context(), user, req.Asset, req.Amount); err != nil {
		writeMarketError(w, err)
		return
	}
	amount, _ := s.wallets.Wallet(r.Context(), user, req.Asset)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user, "asset": req.Asset, "amount": amount, "funded_at": time.Now().UTC(),
	})
}
