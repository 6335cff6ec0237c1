// Package settlement walks competitions through their lifecycle: lock and
// revalue portfolios when the window closes, resolve winners exactly once,
// then hand distribution to the resumable pipeline. Each sweep advances a
// competition one status at a time so a crash never skips a stage.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"arenasettle/distribution"
	"arenasettle/games"
	"arenasettle/observability"
	"arenasettle/resolver"
	"arenasettle/storage"
	"arenasettle/txqueue"
)

// ErrBusy is returned when a distribution run is already in flight for the
// competition.
var ErrBusy = errors.New("settlement: distribution already running")

// Valuer prices one portfolio at window close.
type Valuer interface {
	Value(ctx context.Context, portfolio games.Portfolio) (finalValue *big.Int, performance float64, err error)
}

// Distributor pays out resolved winner records; satisfied by
// *distribution.Pipeline.
type Distributor interface {
	Run(ctx context.Context, competitionID uuid.UUID) (distribution.Summary, error)
}

// StatusCaller mirrors lifecycle changes onto the external ledger; satisfied
// by *ledger.Gateway.
type StatusCaller interface {
	SetGameStatus(ctx context.Context, accountNonce uint64, gameID uuid.UUID, status games.Status) (string, error)
}

// Submitter serializes external calls; satisfied by *txqueue.Queue.
type Submitter interface {
	Submit(ctx context.Context, label string, fn txqueue.SubmitFunc) (txqueue.Result, error)
}

// Announcer publishes settlement completions to interested consumers.
type Announcer interface {
	AnnounceSettled(ctx context.Context, comp *games.Competition, summary distribution.Summary)
}

// Orchestrator owns the competition state machine.
type Orchestrator struct {
	store       *storage.Store
	valuer      Valuer
	distributor Distributor
	queue       Submitter
	ledger      StatusCaller
	announcer   Announcer
	log         *slog.Logger
	metrics     *observability.SettlementMetrics

	mu   sync.Mutex
	busy map[uuid.UUID]struct{}
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLedger enables best-effort status mirroring through the queue.
func WithLedger(queue Submitter, caller StatusCaller) Option {
	return func(o *Orchestrator) {
		o.queue = queue
		o.ledger = caller
	}
}

// WithAnnouncer publishes completions after distribution finishes.
func WithAnnouncer(a Announcer) Option {
	return func(o *Orchestrator) { o.announcer = a }
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an orchestrator over the supplied collaborators.
func New(store *storage.Store, valuer Valuer, distributor Distributor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		valuer:      valuer,
		distributor: distributor,
		log:         slog.Default(),
		metrics:     observability.Settlement(),
		busy:        make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sweep advances every due competition as far as it will go in one pass.
// Failures are isolated per competition; one stuck game never blocks the rest.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	comps, err := o.store.DueCompetitions(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for i := range comps {
		comp := &comps[i]
		if err := o.Settle(ctx, comp.ID); err != nil {
			if errors.Is(err, ErrBusy) {
				continue
			}
			o.log.Error("settlement failed", "competition", comp.ID, "status", comp.Status, "err", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// The lifecycle has five forward transitions; anything past that means a
// stage failed to make progress.
const maxAdvances = 6

// Settle drives one competition from its current status to a terminal one,
// advancing a single stage per iteration.
func (o *Orchestrator) Settle(ctx context.Context, competitionID uuid.UUID) error {
	for i := 0; i < maxAdvances; i++ {
		comp, err := o.store.Competition(ctx, competitionID)
		if err != nil {
			return err
		}
		if comp.Status.Terminal() {
			return nil
		}
		advanced, err := o.advance(ctx, comp)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
	return fmt.Errorf("settlement: %s made no terminal progress after %d stages", competitionID, maxAdvances)
}

// advance runs exactly one lifecycle stage. It reports whether the
// competition moved so the caller can decide to continue.
func (o *Orchestrator) advance(ctx context.Context, comp *games.Competition) (bool, error) {
	switch comp.Status {
	case games.StatusActive:
		if !comp.WindowClosed(time.Now().UTC()) {
			return false, nil
		}
		return true, o.beginRevaluation(ctx, comp)
	case games.StatusRevaluing:
		return true, o.revalue(ctx, comp)
	case games.StatusResolving:
		return true, o.ResolveWinners(ctx, comp.ID)
	case games.StatusDistributing:
		return true, o.DistributeRewards(ctx, comp.ID)
	case games.StatusCompleted, games.StatusFailed:
		return false, nil
	default:
		return false, fmt.Errorf("settlement: unknown status %q on %s", comp.Status, comp.ID)
	}
}

func (o *Orchestrator) beginRevaluation(ctx context.Context, comp *games.Competition) error {
	locked, err := o.store.LockPortfolios(ctx, comp.ID)
	if err != nil {
		return err
	}
	o.log.Info("competition window closed", "competition", comp.ID, "locked", locked)
	return o.store.SetStatus(ctx, comp.ID, games.StatusRevaluing, "")
}

// revalue prices every portfolio at window close. Valuation failures leave
// the competition in REVALUING so the next sweep retries; stale prices must
// never flow into resolution.
func (o *Orchestrator) revalue(ctx context.Context, comp *games.Competition) error {
	portfolios, err := o.store.Portfolios(ctx, comp.ID)
	if err != nil {
		return err
	}
	for _, portfolio := range portfolios {
		value, performance, err := o.valuer.Value(ctx, portfolio)
		if err != nil {
			o.metrics.RecordFailure("revaluation", "valuer")
			return fmt.Errorf("settlement: value portfolio %s: %w", portfolio.ID, err)
		}
		if err := o.store.UpdateValuation(ctx, portfolio.ID, games.FormatAmount(value), performance); err != nil {
			return err
		}
	}
	o.log.Info("portfolios revalued", "competition", comp.ID, "count", len(portfolios))
	return o.store.SetStatus(ctx, comp.ID, games.StatusResolving, "")
}

// ResolveWinners runs the configured win rule and persists the outcome
// write-once. The competition must already be in RESOLVING_WINNERS: the API
// exposes this step directly, and resolving before revaluation would read
// unvalued portfolios. Data errors are not retryable: the competition is
// parked in FAILED for operator review rather than resolved on bad inputs.
func (o *Orchestrator) ResolveWinners(ctx context.Context, competitionID uuid.UUID) error {
	comp, err := o.store.Competition(ctx, competitionID)
	if err != nil {
		return err
	}
	if comp.WinnersResolved {
		return nil
	}
	if comp.Status != games.StatusResolving {
		return fmt.Errorf("settlement: %s not ready for resolution (status %s)", competitionID, comp.Status)
	}
	portfolios, err := o.store.Portfolios(ctx, comp.ID)
	if err != nil {
		return err
	}
	res, err := resolver.Resolve(comp, portfolios)
	if err != nil {
		if resolver.IsDataError(err) {
			o.metrics.RecordResolution(string(comp.Rule.Kind), "failed")
			o.metrics.RecordFailure("resolution", "data")
			if serr := o.store.SetStatus(ctx, comp.ID, games.StatusFailed, err.Error()); serr != nil {
				return errors.Join(err, serr)
			}
			o.log.Error("resolution parked competition", "competition", comp.ID, "err", err)
			return err
		}
		return err
	}
	if err := o.store.SaveResolution(ctx, comp.ID, res); err != nil {
		if errors.Is(err, storage.ErrAlreadyResolved) {
			return nil
		}
		return err
	}
	o.metrics.RecordResolution(string(comp.Rule.Kind), "resolved")
	o.log.Info("winners resolved",
		"competition", comp.ID,
		"rule", comp.Rule.Kind,
		"winners", res.WinnerCount,
		"paid_total", res.PaidTotal,
		"pool_retained", res.PoolRetained)
	return nil
}

// DistributeRewards runs the distribution pipeline for one competition. A
// per-competition busy guard keeps the scheduler sweep and the admin API from
// running two pipelines over the same records.
func (o *Orchestrator) DistributeRewards(ctx context.Context, competitionID uuid.UUID) error {
	if !o.acquire(competitionID) {
		return ErrBusy
	}
	defer o.release(competitionID)

	comp, err := o.store.Competition(ctx, competitionID)
	if err != nil {
		return err
	}
	// Repeated calls on a finished competition are harmless.
	if comp.Status.Terminal() {
		return nil
	}
	if comp.Status != games.StatusDistributing {
		return fmt.Errorf("settlement: %s not distributing (status %s)", competitionID, comp.Status)
	}

	summary, err := o.distributor.Run(ctx, competitionID)
	if err != nil {
		o.metrics.RecordFailure("distribution", "pipeline")
		return err
	}
	if !summary.Completed {
		return nil
	}
	if err := o.store.SetStatus(ctx, competitionID, games.StatusCompleted, ""); err != nil {
		return err
	}
	o.mirrorStatus(ctx, competitionID, games.StatusCompleted)
	if o.announcer != nil {
		comp.Status = games.StatusCompleted
		o.announcer.AnnounceSettled(ctx, comp, summary)
	}
	o.log.Info("competition settled",
		"competition", competitionID,
		"distributed", summary.Distributed,
		"batches", summary.Batches)
	return nil
}

// mirrorStatus pushes the final status to the ledger contract. The database
// is authoritative, so failures here are logged and dropped.
func (o *Orchestrator) mirrorStatus(ctx context.Context, competitionID uuid.UUID, status games.Status) {
	if o.queue == nil || o.ledger == nil {
		return
	}
	label := fmt.Sprintf("set-status:%s", competitionID)
	_, err := o.queue.Submit(ctx, label, func(ctx context.Context, accountNonce uint64) (string, error) {
		return o.ledger.SetGameStatus(ctx, accountNonce, competitionID, status)
	})
	if err != nil {
		o.log.Warn("ledger status mirror failed", "competition", competitionID, "err", err)
	}
}

func (o *Orchestrator) acquire(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.busy[id]; exists {
		return false
	}
	o.busy[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, id)
}
