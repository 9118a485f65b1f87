package market

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/energy-market/internal/auth"
	"github.com/atmx/energy-market/internal/instruction"
	"github.com/atmx/energy-market/internal/ledger"
	"github.com/atmx/energy-market/internal/limits"
	"github.com/atmx/energy-market/internal/matching"
	"github.com/atmx/energy-market/internal/metrics"
	"github.com/atmx/energy-market/internal/model"
	"github.com/atmx/energy-market/internal/store"
)

const maxBodyBytes = 1 << 16

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /participants. Role is required.
type RegisterRequest struct {
	Role *model.Role `json:"role"`
}

// AmountRequest is the JSON body for deposit and withdraw.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// OfferRequest is the JSON body for POST /offers.
type OfferRequest struct {
	Amount uint64 `json:"amount"`
	Price  uint64 `json:"price"`
}

// DemandRequest is the JSON body for POST /demands.
type DemandRequest struct {
	Amount     uint64 `json:"amount"`
	PriceLimit uint64 `json:"price_limit"`
}

// BookResponse lists the open side of the market.
type BookResponse struct {
	Lots    []model.ProductionLot `json:"lots"`
	Demands []model.DemandRequest `json:"demands"`
}

// InstructionResponse is returned for every mutating request.
type InstructionResponse struct {
	Kind        instruction.Kind   `json:"kind"`
	Version     int64              `json:"version"`
	Participant *model.Participant `json:"participant,omitempty"`
	Report      *matching.Report   `json:"report,omitempty"`
}

// Routes mounts the market API on r. Every route requires authentication.
func (s *Service) Routes(r chi.Router, authn *auth.Authenticator) {
	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Post("/ledger/initialize", s.Initialize)

		r.Post("/participants", s.Register)
		r.Get("/participants/{id}", s.GetParticipant)
		r.Post("/participants/{id}/deposit", s.Deposit)
		r.Post("/participants/{id}/withdraw", s.Withdraw)

		r.Post("/offers", s.SubmitOffer)
		r.Post("/demands", s.SubmitDemand)
		r.Get("/book", s.GetBook)

		r.Post("/match", s.MatchNow)
		r.Post("/instructions", s.ApplyInstruction)

		r.Get("/trades", s.ListTrades)
		r.Get("/stats", s.GetStats)
	})
}

// --- HTTP Handlers ---

// Initialize handles POST /api/v1/ledger/initialize
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, instruction.Instruction{Kind: instruction.KindInitialize}, http.StatusOK)
}

// Register handles POST /api/v1/participants
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Role == nil {
		writeError(w, "role is required", http.StatusBadRequest)
		return
	}
	s.run(w, r, instruction.Instruction{Kind: instruction.KindRegister, Role: *req.Role}, http.StatusCreated)
}

// GetParticipant handles GET /api/v1/participants/{id}
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	p, err := snap.Ledger.Find(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Deposit handles POST /api/v1/participants/{id}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.walletOp(w, r, instruction.KindDeposit)
}

// Withdraw handles POST /api/v1/participants/{id}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.walletOp(w, r, instruction.KindWithdraw)
}

func (s *Service) walletOp(w http.ResponseWriter, r *http.Request, kind instruction.Kind) {
	id, ok := pathIdentity(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.run(w, r, instruction.Instruction{Kind: kind, Participant: id, Amount: req.Amount}, http.StatusOK)
}

// SubmitOffer handles POST /api/v1/offers for the calling participant.
func (s *Service) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := auth.CallerFrom(r.Context())
	s.run(w, r, instruction.Instruction{
		Kind:        instruction.KindSubmitOffer,
		Participant: caller.Identity,
		Amount:      req.Amount,
		Price:       req.Price,
	}, http.StatusCreated)
}

// SubmitDemand handles POST /api/v1/demands for the calling participant.
func (s *Service) SubmitDemand(w http.ResponseWriter, r *http.Request) {
	var req DemandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := auth.CallerFrom(r.Context())
	s.run(w, r, instruction.Instruction{
		Kind:        instruction.KindSubmitDemand,
		Participant: caller.Identity,
		Amount:      req.Amount,
		Price:       req.PriceLimit,
	}, http.StatusCreated)
}

// GetBook handles GET /api/v1/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BookResponse{Lots: snap.Ledger.Lots, Demands: snap.Ledger.Demands})
}

// MatchNow handles POST /api/v1/match
func (s *Service) MatchNow(w http.ResponseWriter, r *http.Request) {
	if caller, _ := auth.CallerFrom(r.Context()); caller.Operator {
		metrics.ClearingPasses.WithLabelValues("api").Inc()
	}
	s.run(w, r, instruction.Instruction{Kind: instruction.KindMatch}, http.StatusOK)
}

// ApplyInstruction handles POST /api/v1/instructions with a raw instruction.
func (s *Service) ApplyInstruction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := instruction.Decode(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.run(w, r, in, http.StatusOK)
}

// ListTrades handles GET /api/v1/trades, optionally filtered by
// ?participant=<hex identity>.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	trades := snap.Ledger.Trades
	if raw := r.URL.Query().Get("participant"); raw != "" {
		id, err := model.ParseIdentity(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		trades = snap.Ledger.TradesOf(id)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ComputeStats(s.market, snap.Version, snap.Ledger))
}

// run executes in for the request's caller and writes the response.
func (s *Service) run(w http.ResponseWriter, r *http.Request, in instruction.Instruction, status int) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, "invalid or missing credentials", http.StatusUnauthorized)
		return
	}

	res, err := s.Execute(r.Context(), in, caller)
	if err != nil {
		slog.Warn("instruction rejected", "kind", in.Kind, "caller", caller.Identity, "err", err)
		writeFailure(w, err)
		return
	}

	resp := InstructionResponse{Kind: in.Kind, Version: res.Version, Report: res.Outcome.Report}
	switch in.Kind {
	case instruction.KindRegister:
		if p, err := res.Ledger.Find(caller.Identity); err == nil {
			resp.Participant = &p
		}
	case instruction.KindDeposit, instruction.KindWithdraw:
		if p, err := res.Ledger.Find(in.Participant); err == nil {
			resp.Participant = &p
		}
	}
	writeJSON(w, status, resp)
}

func pathIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, err := model.ParseIdentity(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return model.Identity{}, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnknownParticipant), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrDuplicateParticipant), errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrArithmeticOverflow),
		errors.Is(err, ledger.ErrArithmeticUnderflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, limits.ErrAmountLimitExceeded),
		errors.Is(err, limits.ErrPriceLimitExceeded),
		errors.Is(err, limits.ErrNotionalLimitExceeded),
		errors.Is(err, limits.ErrOpenEntryLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, instruction.ErrUnknownKind),
		errors.Is(err, instruction.ErrMissingRole),
		errors.Is(err, model.ErrInvalidIdentity),
		errors.Is(err, model.ErrInvalidRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Internal errors are not
// echoed to the client.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "status", status, "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
