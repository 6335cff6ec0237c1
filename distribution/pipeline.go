// Package distribution drives winner records to the distributed state in
// rank-ordered batches. The pipeline is resumable and idempotent: progress
// lives in the per-record distributed flags, so a crashed or repeated run
// picks up exactly where the previous one stopped and pays nobody twice.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"arenasettle/games"
	"arenasettle/ledger"
	"arenasettle/observability"
	"arenasettle/txqueue"
)

// Ledger references recorded for records settled without an external call.
const (
	RefSynthetic  = "synthetic"
	RefZeroReward = "zero-reward"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	UndistributedWinners(ctx context.Context, competitionID uuid.UUID, limit int) ([]games.WinnerRecord, error)
	CountUndistributed(ctx context.Context, competitionID uuid.UUID) (int64, error)
	MarkDistributed(ctx context.Context, records []games.WinnerRecord, ref string) (int64, error)
	SetLastProcessedIndex(ctx context.Context, competitionID uuid.UUID, index int) error
	MarkFullyDistributed(ctx context.Context, competitionID uuid.UUID) error
}

// Submitter serializes external calls; satisfied by *txqueue.Queue.
type Submitter interface {
	Submit(ctx context.Context, label string, fn txqueue.SubmitFunc) (txqueue.Result, error)
}

// RewardCaller issues the reward batch call; satisfied by *ledger.Gateway.
type RewardCaller interface {
	AssignRewards(ctx context.Context, accountNonce uint64, gameID uuid.UUID, pairs []ledger.RewardPair) (string, error)
}

// Summary reports what one pipeline run accomplished.
type Summary struct {
	Distributed      int
	Batches          int
	Submitted        int
	SyntheticSkipped int
	ZeroSkipped      int
	Completed        bool
}

// Pipeline pays out one competition's winner records.
type Pipeline struct {
	store   Store
	queue   Submitter
	ledger  RewardCaller
	log     *slog.Logger
	metrics *observability.SettlementMetrics

	batchSize   int
	batchDelay  time.Duration
	maxAttempts uint64
}

// Option customises the pipeline.
type Option func(*Pipeline)

// WithBatchSize sets how many winner records each ledger call covers.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between consecutive batches.
func WithBatchDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.batchDelay = d }
}

// WithMaxAttempts bounds retries of a failed batch submission.
func WithMaxAttempts(n uint64) Option {
	return func(p *Pipeline) { p.maxAttempts = n }
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a pipeline over the supplied store, queue, and ledger.
func New(store Store, queue Submitter, caller RewardCaller, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		queue:       queue,
		ledger:      caller,
		log:         slog.Default(),
		metrics:     observability.Settlement(),
		batchSize:   25,
		batchDelay:  2 * time.Second,
		maxAttempts: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run distributes every remaining winner record of the competition. It
// returns once the competition is fully distributed, the context is
// cancelled, or a batch permanently fails. Partial progress survives either
// failure mode.
func (p *Pipeline) Run(ctx context.Context, competitionID uuid.UUID) (Summary, error) {
	var summary Summary
	started := time.Now()

	pending, err := p.store.CountUndistributed(ctx, competitionID)
	if err != nil {
		return summary, err
	}
	// Each round flips at least one record, so this bound is only reached if
	// the store misbehaves.
	maxRounds := int(pending)/p.batchSize + 2
	processed := 0

	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := p.store.UndistributedWinners(ctx, competitionID, p.batchSize)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			if err := p.store.MarkFullyDistributed(ctx, competitionID); err != nil {
				return summary, err
			}
			summary.Completed = true
			p.metrics.ObserveDistribution("completed", time.Since(started))
			p.log.Info("distribution complete",
				"competition", competitionID,
				"distributed", summary.Distributed,
				"batches", summary.Batches)
			return summary, nil
		}

		flipped, err := p.processBatch(ctx, competitionID, batch, &summary)
		if err != nil {
			p.metrics.ObserveDistribution("failed", time.Since(started))
			return summary, err
		}

		summary.Batches++
		summary.Distributed += flipped
		processed += len(batch)
		p.metrics.RecordBatch()
		p.metrics.RecordDistributed(flipped)
		if err := p.store.SetLastProcessedIndex(ctx, competitionID, processed); err != nil {
			p.log.Warn("progress index write failed", "competition", competitionID, "err", err)
		}

		if p.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(p.batchDelay):
			}
		}
	}
	return summary, fmt.Errorf("distribution: no progress after %d rounds on %s", maxRounds, competitionID)
}

// processBatch settles one batch: synthetic and zero-reward records are
// marked distributed locally, everything else goes out as a single reward
// call through the submission queue.
func (p *Pipeline) processBatch(ctx context.Context, competitionID uuid.UUID, batch []games.WinnerRecord, summary *Summary) (int, error) {
	var payable []games.WinnerRecord
	var synthetic []games.WinnerRecord
	var zero []games.WinnerRecord
	pairs := make([]ledger.RewardPair, 0, len(batch))

	for _, record := range batch {
		if record.Synthetic {
			synthetic = append(synthetic, record)
			continue
		}
		reward, err := record.RewardAmount()
		if err != nil {
			return 0, fmt.Errorf("distribution: record %s: %w", record.ID, err)
		}
		if reward.Sign() == 0 {
			zero = append(zero, record)
			continue
		}
		payable = append(payable, record)
		pairs = append(pairs, ledger.RewardPair{PortfolioID: record.PortfolioID, Amount: reward})
	}

	flipped := 0
	if len(synthetic) > 0 {
		n, err := p.store.MarkDistributed(ctx, synthetic, RefSynthetic)
		if err != nil {
			return flipped, err
		}
		flipped += int(n)
		summary.SyntheticSkipped += len(synthetic)
	}
	if len(zero) > 0 {
		n, err := p.store.MarkDistributed(ctx, zero, RefZeroReward)
		if err != nil {
			return flipped, err
		}
		flipped += int(n)
		summary.ZeroSkipped += len(zero)
	}
	if len(payable) == 0 {
		return flipped, nil
	}

	ref, err := p.submitBatch(ctx, competitionID, pairs)
	if err != nil {
		p.metrics.RecordFailure("distribution", "batch_submit")
		return flipped, err
	}
	summary.Submitted++

	n, err := p.store.MarkDistributed(ctx, payable, ref)
	if err != nil {
		// The ledger call confirmed but the local write failed. The next run
		// re-reads the distributed flags; anything still unflipped is
		// resubmitted and the contract's sequence guard rejects duplicates.
		return flipped, fmt.Errorf("distribution: record confirmed batch: %w", err)
	}
	return flipped + int(n), nil
}

func (p *Pipeline) submitBatch(ctx context.Context, competitionID uuid.UUID, pairs []ledger.RewardPair) (string, error) {
	label := fmt.Sprintf("assign-rewards:%s", competitionID)
	var ref string
	operation := func() error {
		res, err := p.queue.Submit(ctx, label, func(ctx context.Context, accountNonce uint64) (string, error) {
			return p.ledger.AssignRewards(ctx, accountNonce, competitionID, pairs)
		})
		if err != nil {
			if txqueue.Classify(err) == txqueue.ClassTerminal {
				return backoff.Permanent(err)
			}
			return err
		}
		ref = res.Ref
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxAttempts), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", fmt.Errorf("distribution: submit reward batch: %w", err)
	}
	return ref, nil
}
