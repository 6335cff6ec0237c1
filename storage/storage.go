// Package storage persists competitions, portfolios, and winner records
// behind a small transactional API. Progress markers written here are what
// make settlement crash-resumable: resolution is guarded write-once and
// distribution flips records only while they are still undistributed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"arenasettle/games"
	"arenasettle/resolver"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyResolved is returned when a resolution write finds the
	// competition's winners already resolved by an earlier run.
	ErrAlreadyResolved = errors.New("storage: winners already resolved")
)

// Store wraps the relational database used by the settlement daemon.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle; tests use this with sqlite.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := games.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateCompetition inserts a new competition record.
func (s *Store) CreateCompetition(ctx context.Context, comp *games.Competition) error {
	if comp.ID == uuid.Nil {
		comp.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(comp).Error; err != nil {
		return fmt.Errorf("storage: create competition: %w", err)
	}
	return nil
}

// CreatePortfolio inserts a new portfolio record.
func (s *Store) CreatePortfolio(ctx context.Context, p *games.Portfolio) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("storage: create portfolio: %w", err)
	}
	return nil
}

// Competition loads one competition by id.
func (s *Store) Competition(ctx context.Context, id uuid.UUID) (*games.Competition, error) {
	var comp games.Competition
	if err := s.db.WithContext(ctx).First(&comp, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load competition: %w", err)
	}
	return &comp, nil
}

// DueCompetitions lists competitions whose windows have closed and whose
// settlement has not reached a terminal state. Mid-flight statuses are
// included so a restarted daemon resumes them.
func (s *Store) DueCompetitions(ctx context.Context, now time.Time) ([]games.Competition, error) {
	var comps []games.Competition
	err := s.db.WithContext(ctx).
		Where("ends_at <= ?", now).
		Where("status IN ?", []games.Status{
			games.StatusActive,
			games.StatusRevaluing,
			games.StatusResolving,
			games.StatusDistributing,
		}).
		Order("ends_at asc").
		Find(&comps).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list due competitions: %w", err)
	}
	return comps, nil
}

// Portfolios lists every portfolio entered in the competition.
func (s *Store) Portfolios(ctx context.Context, competitionID uuid.UUID) ([]games.Portfolio, error) {
	var portfolios []games.Portfolio
	err := s.db.WithContext(ctx).
		Where("competition_id = ?", competitionID).
		Order("created_at asc").
		Find(&portfolios).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list portfolios: %w", err)
	}
	return portfolios, nil
}

// LockPortfolios freezes all unlocked portfolios of a competition so no
// further trades change their composition during revaluation.
func (s *Store) LockPortfolios(ctx context.Context, competitionID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&games.Portfolio{}).
		Where("competition_id = ? AND locked = ?", competitionID, false).
		Update("locked", true)
	if res.Error != nil {
		return 0, fmt.Errorf("storage: lock portfolios: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateValuation writes a portfolio's final value and performance.
func (s *Store) UpdateValuation(ctx context.Context, portfolioID uuid.UUID, finalValue string, performance float64) error {
	res := s.db.WithContext(ctx).
		Model(&games.Portfolio{}).
		Where("id = ?", portfolioID).
		Updates(map[string]any{
			"final_value": finalValue,
			"performance": performance,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update valuation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus moves the competition to the supplied lifecycle status. A
// non-empty reason is recorded alongside failure transitions.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status games.Status, reason string) error {
	updates := map[string]any{"status": status}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	res := s.db.WithContext(ctx).
		Model(&games.Competition{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("storage: set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveResolution persists the resolver output in one transaction: winner
// records are created, portfolio outcomes updated, and the competition moved
// to DISTRIBUTING. The winners_resolved flag is flipped with a guarded update
// so concurrent or repeated runs write the outcome at most once.
func (s *Store) SaveResolution(ctx context.Context, competitionID uuid.UUID, res *resolver.Resolution) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		guard := tx.Model(&games.Competition{}).
			Where("id = ? AND winners_resolved = ?", competitionID, false).
			Updates(map[string]any{
				"winners_resolved":     true,
				"status":               games.StatusDistributing,
				"last_processed_index": 0,
			})
		if guard.Error != nil {
			return fmt.Errorf("storage: mark winners resolved: %w", guard.Error)
		}
		if guard.RowsAffected == 0 {
			return ErrAlreadyResolved
		}

		now := time.Now().UTC()
		for _, placement := range res.Placements {
			portfolio := placement.Portfolio
			update := tx.Model(&games.Portfolio{}).
				Where("id = ?", portfolio.ID).
				Updates(map[string]any{
					"is_winner": placement.Winner,
					"rank":      placement.Rank,
					"reward":    games.FormatAmount(placement.Reward),
				})
			if update.Error != nil {
				return fmt.Errorf("storage: update placement: %w", update.Error)
			}
			if !placement.Winner {
				continue
			}
			record := games.WinnerRecord{
				ID:            uuid.New(),
				CompetitionID: competitionID,
				PortfolioID:   portfolio.ID,
				OwnerID:       portfolio.OwnerID,
				Synthetic:     portfolio.Synthetic,
				Performance:   portfolio.Performance,
				Rank:          placement.Rank,
				Reward:        games.FormatAmount(placement.Reward),
				Distributed:   false,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("storage: create winner record: %w", err)
			}
		}
		return nil
	})
}

// UndistributedWinners returns up to limit winner records still awaiting
// distribution, lowest rank first so payout order is deterministic.
func (s *Store) UndistributedWinners(ctx context.Context, competitionID uuid.UUID, limit int) ([]games.WinnerRecord, error) {
	var records []games.WinnerRecord
	q := s.db.WithContext(ctx).
		Where("competition_id = ? AND distributed = ?", competitionID, false).
		Order("rank asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list undistributed winners: %w", err)
	}
	return records, nil
}

// CountUndistributed reports how many winner records still await distribution.
func (s *Store) CountUndistributed(ctx context.Context, competitionID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&games.WinnerRecord{}).
		Where("competition_id = ? AND distributed = ?", competitionID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("storage: count undistributed: %w", err)
	}
	return count, nil
}

// Winners returns all winner records for a competition ordered by rank.
func (s *Store) Winners(ctx context.Context, competitionID uuid.UUID) ([]games.WinnerRecord, error) {
	var records []games.WinnerRecord
	err := s.db.WithContext(ctx).
		Where("competition_id = ?", competitionID).
		Order("rank asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list winners: %w", err)
	}
	return records, nil
}

// MarkDistributed flips the supplied winner records to distributed and stamps
// the matching portfolios, recording the confirming ledger reference. Records
// already distributed are left untouched, so replays after a crash between
// the ledger call and this write converge instead of double counting.
func (s *Store) MarkDistributed(ctx context.Context, records []games.WinnerRecord, ref string) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, 0, len(records))
	portfolioIDs := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
		portfolioIDs = append(portfolioIDs, record.PortfolioID)
	}
	var flipped int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&games.WinnerRecord{}).
			Where("id IN ? AND distributed = ?", ids, false).
			Updates(map[string]any{
				"distributed": true,
				"ledger_ref":  ref,
			})
		if res.Error != nil {
			return fmt.Errorf("storage: mark records distributed: %w", res.Error)
		}
		flipped = res.RowsAffected

		now := time.Now().UTC()
		update := tx.Model(&games.Portfolio{}).
			Where("id IN ? AND settled_at IS NULL", portfolioIDs).
			Updates(map[string]any{
				"settled_at": now,
				"ledger_ref": ref,
			})
		if update.Error != nil {
			return fmt.Errorf("storage: stamp settled portfolios: %w", update.Error)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return flipped, nil
}

// SetLastProcessedIndex records batch progress for observability and resume
// diagnostics. Distribution correctness does not depend on it; the
// distributed flags are authoritative.
func (s *Store) SetLastProcessedIndex(ctx context.Context, competitionID uuid.UUID, index int) error {
	res := s.db.WithContext(ctx).
		Model(&games.Competition{}).
		Where("id = ?", competitionID).
		Update("last_processed_index", index)
	if res.Error != nil {
		return fmt.Errorf("storage: set progress index: %w", res.Error)
	}
	return nil
}

// MarkFullyDistributed records that every winner record of the competition
// has been distributed, and folds the outcome into per-owner lifetime stats.
// The stats accumulate exactly once because they ride the same guarded flip.
func (s *Store) MarkFullyDistributed(ctx context.Context, competitionID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&games.Competition{}).
			Where("id = ? AND fully_distributed = ?", competitionID, false).
			Update("fully_distributed", true)
		if res.Error != nil {
			return fmt.Errorf("storage: mark fully distributed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&games.Competition{}).Where("id = ?", competitionID).Count(&count).Error; err != nil {
				return fmt.Errorf("storage: check competition: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			// Already flipped by an earlier run; stats are in place.
			return nil
		}
		return accumulateOwnerStats(tx, competitionID)
	})
}

func accumulateOwnerStats(tx *gorm.DB, competitionID uuid.UUID) error {
	var records []games.WinnerRecord
	err := tx.Where("competition_id = ? AND synthetic = ?", competitionID, false).
		Find(&records).Error
	if err != nil {
		return fmt.Errorf("storage: load winner records for stats: %w", err)
	}
	for _, record := range records {
		reward, err := record.RewardAmount()
		if err != nil {
			return fmt.Errorf("storage: stats for record %s: %w", record.ID, err)
		}
		var stats games.OwnerStats
		err = tx.First(&stats, "owner_id = ?", record.OwnerID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			stats = games.OwnerStats{
				OwnerID:         record.OwnerID,
				CompetitionsWon: 1,
				TotalRewards:    games.FormatAmount(reward),
			}
			if err := tx.Create(&stats).Error; err != nil {
				return fmt.Errorf("storage: create owner stats: %w", err)
			}
		case err != nil:
			return fmt.Errorf("storage: load owner stats: %w", err)
		default:
			total, err := stats.TotalRewardsAmount()
			if err != nil {
				return fmt.Errorf("storage: owner %s stats: %w", record.OwnerID, err)
			}
			update := tx.Model(&games.OwnerStats{}).
				Where("owner_id = ?", record.OwnerID).
				Updates(map[string]any{
					"competitions_won": stats.CompetitionsWon + 1,
					"total_rewards":    games.FormatAmount(total.Add(total, reward)),
				})
			if update.Error != nil {
				return fmt.Errorf("storage: update owner stats: %w", update.Error)
			}
		}
	}
	return nil
}

// OwnerStats loads one owner's lifetime outcome aggregates.
func (s *Store) OwnerStats(ctx context.Context, ownerID uuid.UUID) (*games.OwnerStats, error) {
	var stats games.OwnerStats
	if err := s.db.WithContext(ctx).First(&stats, "owner_id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load owner stats: %w", err)
	}
	return &stats, nil
}
