package games

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status tracks a competition through its settlement lifecycle.
type Status string

// All lifecycle states. FAILED is absorbing and requires operator intervention.
const (
	StatusActive       Status = "ACTIVE"
	StatusRevaluing    Status = "REVALUING"
	StatusResolving    Status = "RESOLVING_WINNERS"
	StatusDistributing Status = "DISTRIBUTING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrAmountInvalid is returned when a stored monetary string is not a base-10 integer.
var ErrAmountInvalid = errors.New("games: amount must be a base-10 integer string")

// ParseAmount converts a stored monetary string (smallest currency unit) into a big integer.
// An empty string parses as zero so freshly created records need no sentinel value.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAmountInvalid, raw)
	}
	return value, nil
}

// FormatAmount renders a big integer for storage. Nil renders as "0".
func FormatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// Competition is one timed portfolio contest instance.
type Competition struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind               string    `gorm:"size:64;index"`
	Status             Status    `gorm:"size:32;index"`
	StartsAt           time.Time
	EndsAt             time.Time `gorm:"index"`
	Rule               WinRule   `gorm:"serializer:json"`
	PrizePool          string    `gorm:"size:78"`
	WinnersResolved    bool
	FullyDistributed   bool
	LastProcessedIndex int
	FailureReason      string `gorm:"size:512"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Winners            []WinnerRecord
}

// PrizePoolAmount parses the stored prize pool into exact integer form.
func (c *Competition) PrizePoolAmount() (*big.Int, error) {
	return ParseAmount(c.PrizePool)
}

// WindowClosed reports whether the competition window has ended at the supplied instant.
func (c *Competition) WindowClosed(now time.Time) bool {
	return !now.Before(c.EndsAt)
}

// Portfolio is an entrant's locked asset allocation within one competition.
// The synthetic flag marks the house benchmark entrant, which never receives
// a real payout and is excluded from ledger calls.
type Portfolio struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompetitionID uuid.UUID `gorm:"type:uuid;index"`
	OwnerID       uuid.UUID `gorm:"type:uuid;index"`
	Synthetic     bool
	Locked        bool
	FinalValue    string  `gorm:"size:78"`
	Performance   float64 `gorm:"not null"`
	IsWinner      bool
	Reward        string `gorm:"size:78"`
	Rank          int
	SettledAt     *time.Time
	LedgerRef     string `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FinalValueAmount parses the stored final valuation.
func (p *Portfolio) FinalValueAmount() (*big.Int, error) {
	return ParseAmount(p.FinalValue)
}

// WinnerRecord is the denormalized, per-entrant settlement outcome. It is the
// unit of resumable progress: records flip to distributed exactly once, after
// the corresponding ledger call is confirmed.
type WinnerRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompetitionID uuid.UUID `gorm:"type:uuid;index"`
	PortfolioID   uuid.UUID `gorm:"type:uuid;index"`
	OwnerID       uuid.UUID `gorm:"type:uuid;index"`
	Synthetic     bool
	Performance   float64
	Rank          int    `gorm:"index"`
	Reward        string `gorm:"size:78"`
	Distributed   bool   `gorm:"index"`
	LedgerRef     string `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RewardAmount parses the stored reward into exact integer form.
func (r *WinnerRecord) RewardAmount() (*big.Int, error) {
	return ParseAmount(r.Reward)
}

// OwnerStats accumulates lifetime outcomes per owner. Rows are updated once
// per competition, when it flips to fully distributed.
type OwnerStats struct {
	OwnerID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompetitionsWon int
	TotalRewards    string `gorm:"size:78"`
	UpdatedAt       time.Time
}

// TotalRewardsAmount parses the accumulated rewards into exact integer form.
func (s *OwnerStats) TotalRewardsAmount() (*big.Int, error) {
	return ParseAmount(s.TotalRewards)
}

// AutoMigrate applies the settlement schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Competition{},
		&Portfolio{},
		&WinnerRecord{},
		&OwnerStats{},
	)
}
