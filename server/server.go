// Package server exposes the operator HTTP API: competition inspection,
// manual settlement triggers, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arenasettle/games"
	"arenasettle/ledger"
	"arenasettle/settlement"
	"arenasettle/storage"
)

// Orchestrator is the settlement surface the API drives.
type Orchestrator interface {
	Settle(ctx context.Context, competitionID uuid.UUID) error
	ResolveWinners(ctx context.Context, competitionID uuid.UUID) error
	DistributeRewards(ctx context.Context, competitionID uuid.UUID) error
}

// TotalsReader fetches per-game accounting from the external ledger.
type TotalsReader interface {
	CompetitionTotals(ctx context.Context, gameID uuid.UUID) (ledger.Totals, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Store        *storage.Store
	Orchestrator Orchestrator
	Totals       TotalsReader
	BearerToken  string
	Logger       *slog.Logger
}

// Server encapsulates the HTTP API.
type Server struct {
	store        *storage.Store
	orchestrator Orchestrator
	totals       TotalsReader
	token        string
	log          *slog.Logger
	router       http.Handler
}

// New constructs a configured HTTP router with bearer authentication on the
// operator routes.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: store required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("server: orchestrator required")
	}
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" {
		return nil, fmt.Errorf("server: bearer token required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		totals:       cfg.Totals,
		token:        token,
		log:          log,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.requireBearer)
		api.Get("/competitions/{id}", s.GetCompetition)
		api.Post("/competitions/{id}/settle", s.SettleCompetition)
		api.Post("/competitions/{id}/resolve", s.ResolveCompetition)
		api.Post("/competitions/{id}/distribute", s.DistributeCompetition)
		api.Get("/owners/{id}/stats", s.GetOwnerStats)
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if parseBearerToken(r.Header.Get("Authorization")) != s.token {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type winnerView struct {
	PortfolioID uuid.UUID `json:"portfolio_id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Synthetic   bool      `json:"synthetic"`
	Rank        int       `json:"rank"`
	Reward      string    `json:"reward"`
	Distributed bool      `json:"distributed"`
	LedgerRef   string    `json:"ledger_ref,omitempty"`
}

type totalsView struct {
	PrizePool   string `json:"prize_pool"`
	Distributed string `json:"distributed"`
	Entrants    uint64 `json:"entrants"`
}

type competitionView struct {
	ID                 uuid.UUID    `json:"id"`
	Kind               string       `json:"kind"`
	Status             games.Status `json:"status"`
	EndsAt             time.Time    `json:"ends_at"`
	PrizePool          string       `json:"prize_pool"`
	WinnersResolved    bool         `json:"winners_resolved"`
	FullyDistributed   bool         `json:"fully_distributed"`
	LastProcessedIndex int          `json:"last_processed_index"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	Winners            []winnerView `json:"winners"`
	Ledger             *totalsView  `json:"ledger,omitempty"`
}

// GetCompetition returns the competition, its winner records, and, when the
// ledger is reachable, the contract-side totals.
func (s *Server) GetCompetition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid competition id", http.StatusBadRequest)
		return
	}
	comp, err := s.store.Competition(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "competition not found", http.StatusNotFound)
			return
		}
		s.log.Error("load competition", "competition", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	records, err := s.store.Winners(r.Context(), id)
	if err != nil {
		s.log.Error("load winners", "competition", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	view := competitionView{
		ID:                 comp.ID,
		Kind:               comp.Kind,
		Status:             comp.Status,
		EndsAt:             comp.EndsAt,
		PrizePool:          comp.PrizePool,
		WinnersResolved:    comp.WinnersResolved,
		FullyDistributed:   comp.FullyDistributed,
		LastProcessedIndex: comp.LastProcessedIndex,
		FailureReason:      comp.FailureReason,
		Winners:            make([]winnerView, 0, len(records)),
	}
	for _, record := range records {
		view.Winners = append(view.Winners, winnerView{
			PortfolioID: record.PortfolioID,
			OwnerID:     record.OwnerID,
			Synthetic:   record.Synthetic,
			Rank:        record.Rank,
			Reward:      record.Reward,
			Distributed: record.Distributed,
			LedgerRef:   record.LedgerRef,
		})
	}
	if s.totals != nil {
		if totals, err := s.totals.CompetitionTotals(r.Context(), id); err == nil {
			view.Ledger = &totalsView{
				PrizePool:   totals.PrizePool.String(),
				Distributed: totals.Distributed.String(),
				Entrants:    totals.Entrants,
			}
		} else {
			s.log.Warn("ledger totals unavailable", "competition", id, "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// SettleCompetition drives the competition as far through its lifecycle as it
// will go right now.
func (s *Server) SettleCompetition(w http.ResponseWriter, r *http.Request) {
	s.runOperation(w, r, s.orchestrator.Settle)
}

// ResolveCompetition forces winner resolution. The write-once guard makes
// repeated calls harmless.
func (s *Server) ResolveCompetition(w http.ResponseWriter, r *http.Request) {
	s.runOperation(w, r, s.orchestrator.ResolveWinners)
}

// DistributeCompetition runs the distribution pipeline until it completes or
// fails. A run already in flight answers 409.
func (s *Server) DistributeCompetition(w http.ResponseWriter, r *http.Request) {
	s.runOperation(w, r, s.orchestrator.DistributeRewards)
}

type ownerStatsView struct {
	OwnerID         uuid.UUID `json:"owner_id"`
	CompetitionsWon int       `json:"competitions_won"`
	TotalRewards    string    `json:"total_rewards"`
}

// GetOwnerStats returns the owner's lifetime settlement aggregates.
func (s *Server) GetOwnerStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid owner id", http.StatusBadRequest)
		return
	}
	stats, err := s.store.OwnerStats(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "owner stats not found", http.StatusNotFound)
			return
		}
		s.log.Error("load owner stats", "owner", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ownerStatsView{
		OwnerID:         stats.OwnerID,
		CompetitionsWon: stats.CompetitionsWon,
		TotalRewards:    stats.TotalRewards,
	})
}

func (s *Server) runOperation(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid competition id", http.StatusBadRequest)
		return
	}
	switch err := op(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "competition not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrBusy):
		http.Error(w, "distribution already running", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	}
}
