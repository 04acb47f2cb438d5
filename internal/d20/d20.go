// Package d20 runs the one-time D20 dice promotion: eligible players roll a
// twenty-sided die once, the result maps to a prize, and the prize code can
// later be redeemed once.
package d20

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"mahoyaAPI/internal/apperr"
)

var ErrNotEligible = fmt.Errorf("user is not eligible for the d20 promotion: %w", apperr.ErrForbidden)

type Eligibility struct {
	UserID    string    `json:"user_id" db:"user_id"`
	EnabledAt time.Time `json:"enabled_at" db:"enabled_at"`
}

type Roll struct {
	UserID           string     `json:"user_id" db:"user_id"`
	RollResult       int        `json:"roll_result" db:"roll_result"`
	PrizeCode        string     `json:"prize_code" db:"prize_code"`
	PrizeTitle       string     `json:"prize_title" db:"prize_title"`
	PrizeDescription string     `json:"prize_description" db:"prize_description"`
	UsedAt           *time.Time `json:"used_at" db:"used_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

func (r *Roll) IsUsed() bool {
	return r != nil && r.UsedAt != nil
}

// ParseRoll validates a roll record read from storage.
func ParseRoll(r Roll) (Roll, error) {
	if r.UserID == "" {
		return Roll{}, fmt.Errorf("roll without user id: %w", apperr.ErrValidation)
	}
	if r.RollResult < 1 || r.RollResult > Sides {
		return Roll{}, fmt.Errorf("roll for %s has result %d outside 1..%d: %w", r.UserID, r.RollResult, Sides, apperr.ErrValidation)
	}
	return r, nil
}

type Stage string

const (
	StageIneligible Stage = "ineligible"
	StageEligible   Stage = "eligible"
	StageRolled     Stage = "rolled"
	StageRedeemed   Stage = "redeemed"
)

type State struct {
	Stage    Stage  `json:"stage"`
	Eligible bool   `json:"eligible"`
	Roll     *Roll  `json:"roll,omitempty"`
	Prize    *Prize `json:"prize,omitempty"`
}

// Repository is the persistence port. Getters return (nil, nil) when the
// record does not exist. InsertRoll must fail with apperr.ErrConflict when the
// user already has a roll.
type Repository interface {
	GetEligibility(ctx context.Context, userID string) (*Eligibility, error)
	GetRoll(ctx context.Context, userID string) (*Roll, error)
	InsertRoll(ctx context.Context, roll Roll) (*Roll, error)
	MarkRollUsed(ctx context.Context, userID string, usedAt time.Time) error
}

// Source draws a uniform integer in [1, sides].
type Source interface {
	Draw(sides int) (int, error)
}

type CryptoSource struct{}

func (CryptoSource) Draw(sides int) (int, error) {
	if sides <= 0 {
		return 0, fmt.Errorf("draw d%d: %w", sides, apperr.ErrValidation)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(sides)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(n.Int64()) + 1, nil
}

type Engine struct {
	repo  Repository
	src   Source
	table PrizeTable
	now   func() time.Time
}

func NewEngine(repo Repository, src Source) *Engine {
	return &Engine{
		repo:  repo,
		src:   src,
		table: DefaultPrizeTable,
		now:   time.Now,
	}
}

func (e *Engine) Table() PrizeTable {
	return e.table
}

func (e *Engine) Status(ctx context.Context, userID string) (*State, error) {
	roll, err := e.repo.GetRoll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get roll: %w", err)
	}

	elig, err := e.repo.GetEligibility(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get eligibility: %w", err)
	}

	state := &State{Eligible: elig != nil, Roll: roll}
	switch {
	case roll.IsUsed():
		state.Stage = StageRedeemed
	case roll != nil:
		state.Stage = StageRolled
	case elig != nil:
		state.Stage = StageEligible
	default:
		state.Stage = StageIneligible
	}
	if roll != nil {
		prize := e.table.Lookup(roll.RollResult)
		state.Prize = &prize
	}
	return state, nil
}

// Roll performs the user's single roll. When a roll already exists it is
// returned untouched with created=false, including when a concurrent insert
// won the race.
func (e *Engine) Roll(ctx context.Context, userID string) (*Roll, bool, error) {
	existing, err := e.repo.GetRoll(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get roll: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	elig, err := e.repo.GetEligibility(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get eligibility: %w", err)
	}
	if elig == nil {
		return nil, false, ErrNotEligible
	}

	result, err := e.src.Draw(Sides)
	if err != nil {
		return nil, false, fmt.Errorf("failed to draw: %w", err)
	}
	if result < 1 || result > Sides {
		return nil, false, fmt.Errorf("draw returned %d: %w", result, apperr.ErrValidation)
	}

	prize := e.table.Lookup(result)
	roll, err := e.repo.InsertRoll(ctx, Roll{
		UserID:           userID,
		RollResult:       result,
		PrizeCode:        prize.Code,
		PrizeTitle:       prize.Title,
		PrizeDescription: prize.Description,
		CreatedAt:        e.now(),
	})
	if errors.Is(err, apperr.ErrConflict) {
		stored, getErr := e.repo.GetRoll(ctx, userID)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to read roll after conflict: %w", getErr)
		}
		if stored == nil {
			return nil, false, fmt.Errorf("roll conflict for %s but no stored roll: %w", userID, err)
		}
		return stored, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to save roll: %w", err)
	}
	return roll, true, nil
}

// Redeem marks the user's prize as used. It fails with apperr.ErrNotFound
// without a roll and apperr.ErrAlreadyUsed on a second redemption.
func (e *Engine) Redeem(ctx context.Context, userID string) (*Roll, error) {
	roll, err := e.repo.GetRoll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get roll: %w", err)
	}
	if roll == nil {
		return nil, fmt.Errorf("no roll for %s: %w", userID, apperr.ErrNotFound)
	}
	if roll.IsUsed() {
		return nil, fmt.Errorf("prize %s: %w", roll.PrizeCode, apperr.ErrAlreadyUsed)
	}

	usedAt := e.now()
	if err := e.repo.MarkRollUsed(ctx, userID, usedAt); err != nil {
		return nil, fmt.Errorf("failed to mark roll used: %w", err)
	}
	roll.UsedAt = &usedAt
	return roll, nil
}
