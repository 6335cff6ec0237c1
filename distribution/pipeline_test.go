package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"arenasettle/games"
	"arenasettle/ledger"
	"arenasettle/resolver"
	"arenasettle/storage"
	"arenasettle/txqueue"
)

type fakeQueue struct {
	nonce       uint64
	submissions int
}

func (q *fakeQueue) Submit(ctx context.Context, label string, fn txqueue.SubmitFunc) (txqueue.Result, error) {
	q.submissions++
	ref, err := fn(ctx, q.nonce)
	if err != nil {
		return txqueue.Result{}, err
	}
	used := q.nonce
	q.nonce++
	return txqueue.Result{Ref: ref, AccountNonce: used}, nil
}

type fakeLedger struct {
	calls    [][]ledger.RewardPair
	attempts int
	failFrom int // 1-based attempt number from which calls fail; 0 disables
	failErr  error
}

func (l *fakeLedger) AssignRewards(ctx context.Context, accountNonce uint64, gameID uuid.UUID, pairs []ledger.RewardPair) (string, error) {
	l.attempts++
	if l.failErr != nil && l.attempts >= l.failFrom {
		return "", l.failErr
	}
	copied := make([]ledger.RewardPair, len(pairs))
	copy(copied, pairs)
	l.calls = append(l.calls, copied)
	return fmt.Sprintf("0xbatch%d", len(l.calls)), nil
}

func (l *fakeLedger) paidPortfolios() map[uuid.UUID]int {
	seen := make(map[uuid.UUID]int)
	for _, call := range l.calls {
		for _, pair := range call {
			seen[pair.PortfolioID]++
		}
	}
	return seen
}

type fixture struct {
	store  *storage.Store
	comp   *games.Competition
	queue  *fakeQueue
	ledger *fakeLedger
}

// seedResolved creates a DISTRIBUTING competition with resolved winner
// records: one synthetic house winner, one zero-reward winner, and the given
// number of payable winners at 1000 each.
func seedResolved(t *testing.T, payable int) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.NewWithDB(db)
	require.NoError(t, err)

	ctx := context.Background()
	comp := &games.Competition{
		ID:        uuid.New(),
		Kind:      "weekly",
		Status:    games.StatusResolving,
		EndsAt:    time.Now().UTC().Add(-time.Hour),
		Rule:      games.WinRule{Kind: games.RuleBeatTheHouse},
		PrizePool: fmt.Sprintf("%d", payable*1000),
	}
	require.NoError(t, store.CreateCompetition(ctx, comp))

	placements := make([]resolver.Placement, 0, payable+2)
	for i := 0; i < payable; i++ {
		p := &games.Portfolio{
			ID:            uuid.New(),
			CompetitionID: comp.ID,
			OwnerID:       uuid.New(),
			Performance:   float64(payable - i),
		}
		require.NoError(t, store.CreatePortfolio(ctx, p))
		placements = append(placements, resolver.Placement{
			Portfolio: *p, Rank: i + 1, Winner: true, Reward: big.NewInt(1000),
		})
	}
	zero := &games.Portfolio{ID: uuid.New(), CompetitionID: comp.ID, OwnerID: uuid.New()}
	require.NoError(t, store.CreatePortfolio(ctx, zero))
	placements = append(placements, resolver.Placement{
		Portfolio: *zero, Rank: payable + 1, Winner: true, Reward: big.NewInt(0),
	})
	house := &games.Portfolio{ID: uuid.New(), CompetitionID: comp.ID, OwnerID: uuid.New(), Synthetic: true}
	require.NoError(t, store.CreatePortfolio(ctx, house))
	placements = append(placements, resolver.Placement{
		Portfolio: *house, Rank: payable + 2, Winner: true, Reward: big.NewInt(0),
	})

	res := &resolver.Resolution{Placements: placements, WinnerCount: len(placements)}
	require.NoError(t, store.SaveResolution(ctx, comp.ID, res))

	return &fixture{store: store, comp: comp, queue: &fakeQueue{nonce: 10}, ledger: &fakeLedger{}}
}

func newPipeline(f *fixture, opts ...Option) *Pipeline {
	base := []Option{WithBatchSize(2), WithBatchDelay(0)}
	return New(f.store, f.queue, f.ledger, append(base, opts...)...)
}

func TestRunDistributesEverythingInBatches(t *testing.T) {
	f := seedResolved(t, 4)
	ctx := context.Background()

	summary, err := newPipeline(f).Run(ctx, f.comp.ID)
	require.NoError(t, err)
	require.True(t, summary.Completed)
	require.Equal(t, 6, summary.Distributed)
	require.Equal(t, 1, summary.SyntheticSkipped)
	require.Equal(t, 1, summary.ZeroSkipped)
	require.Equal(t, 2, summary.Submitted)

	// Only payable records reach the ledger, each exactly once.
	paid := f.ledger.paidPortfolios()
	require.Len(t, paid, 4)
	for id, times := range paid {
		require.Equal(t, 1, times, "portfolio %s paid %d times", id, times)
	}

	count, err := f.store.CountUndistributed(ctx, f.comp.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	comp, err := f.store.Competition(ctx, f.comp.ID)
	require.NoError(t, err)
	require.True(t, comp.FullyDistributed)

	records, err := f.store.Winners(ctx, f.comp.ID)
	require.NoError(t, err)
	for _, record := range records {
		require.True(t, record.Distributed)
		switch {
		case record.Synthetic:
			require.Equal(t, RefSynthetic, record.LedgerRef)
		case record.Reward == "0":
			require.Equal(t, RefZeroReward, record.LedgerRef)
		default:
			require.Contains(t, record.LedgerRef, "0xbatch")
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := seedResolved(t, 3)
	ctx := context.Background()

	_, err := newPipeline(f).Run(ctx, f.comp.ID)
	require.NoError(t, err)
	callsAfterFirst := len(f.ledger.calls)

	summary, err := newPipeline(f).Run(ctx, f.comp.ID)
	require.NoError(t, err)
	require.True(t, summary.Completed)
	require.Zero(t, summary.Distributed)
	require.Equal(t, callsAfterFirst, len(f.ledger.calls), "second run must make no external calls")
}

func TestRunResumesAfterFailure(t *testing.T) {
	f := seedResolved(t, 4)
	ctx := context.Background()

	// The second ledger call fails with a transient error and no retry
	// budget, so the run aborts with the first batch already distributed.
	f.ledger.failErr = errors.New("dial tcp: i/o timeout")
	f.ledger.failFrom = 2
	pipeline := newPipeline(f, WithMaxAttempts(0))

	_, err := pipeline.Run(ctx, f.comp.ID)
	require.Error(t, err)

	count, err := f.store.CountUndistributed(ctx, f.comp.ID)
	require.NoError(t, err)
	require.Positive(t, count, "partial progress expected")
	require.Less(t, count, int64(6), "first batch should have been distributed")

	comp, err := f.store.Competition(ctx, f.comp.ID)
	require.NoError(t, err)
	require.False(t, comp.FullyDistributed)

	// A later run finishes the remainder without re-paying the first batch.
	f.ledger.failErr = nil
	resumed, err := newPipeline(f).Run(ctx, f.comp.ID)
	require.NoError(t, err)
	require.True(t, resumed.Completed)

	paid := f.ledger.paidPortfolios()
	require.Len(t, paid, 4)
	for id, times := range paid {
		require.Equal(t, 1, times, "portfolio %s paid %d times", id, times)
	}
}

func TestRunStopsOnTerminalRejection(t *testing.T) {
	f := seedResolved(t, 2)
	ctx := context.Background()

	f.ledger.failErr = fmt.Errorf("%w: tx 0xdead", ledger.ErrReverted)
	f.ledger.failFrom = 1
	pipeline := newPipeline(f, WithMaxAttempts(5))

	_, err := pipeline.Run(ctx, f.comp.ID)
	require.Error(t, err)
	// Terminal rejections must not burn the retry budget.
	require.Equal(t, 1, f.queue.submissions)
}

func TestRunHonoursContextCancellation(t *testing.T) {
	f := seedResolved(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newPipeline(f).Run(ctx, f.comp.ID)
	require.Error(t, err)

	count, err := f.store.CountUndistributed(context.Background(), f.comp.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, count, "cancelled run must not distribute")
}
