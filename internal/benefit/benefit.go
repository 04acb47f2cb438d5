package benefit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/leekchan/accounting"

	"mahoyaAPI/internal/apperr"
)

type Benefit struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Name            string     `json:"name" db:"name"`
	Description     string     `json:"description" db:"description"`
	DiscountPercent float64    `json:"discount_percent" db:"discount_percent"`
	DiscountFixed   float64    `json:"discount_fixed" db:"discount_fixed"`
	ValidUntil      *time.Time `json:"valid_until" db:"valid_until"`
	IsUsed          bool       `json:"is_used" db:"is_used"`
	UsedAt          *time.Time `json:"used_at" db:"used_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

type Status struct {
	Active  bool `json:"active"`
	Used    bool `json:"used"`
	Expired bool `json:"expired"`
}

type Entry struct {
	Benefit
	Status
	Label string `json:"label"`
}

const SpecialBenefitLabel = "Benefício especial"

func Classify(b Benefit, now time.Time) Status {
	expired := b.ValidUntil != nil && b.ValidUntil.Before(now)
	return Status{
		Active:  !b.IsUsed && !expired,
		Used:    b.IsUsed,
		Expired: expired,
	}
}

// FormatDiscount renders the benefit's value. Percent wins over fixed.
func FormatDiscount(b Benefit) string {
	switch {
	case b.DiscountPercent > 0:
		return strconv.FormatFloat(b.DiscountPercent, 'f', -1, 64) + "% OFF"
	case b.DiscountFixed > 0:
		return formatBRL(b.DiscountFixed) + " OFF"
	default:
		return SpecialBenefitLabel
	}
}

// ApplyDiscount returns subtotal after the benefit, never below zero.
func ApplyDiscount(b Benefit, subtotal float64) float64 {
	var total float64
	switch {
	case b.DiscountPercent > 0:
		total = subtotal * (1 - math.Min(b.DiscountPercent, 100)/100)
	case b.DiscountFixed > 0:
		total = subtotal - b.DiscountFixed
	default:
		total = subtotal
	}
	return math.Max(0, math.Round(total*100)/100)
}

// brl formats amounts the way the storefront shows prices: R$ 1.234,50
var brl = accounting.Accounting{Symbol: "R$ ", Precision: 2, Thousand: ".", Decimal: ","}

func formatBRL(v float64) string {
	return brl.FormatMoney(v)
}

// ParseBenefit validates a benefit row read from the store.
func ParseBenefit(b Benefit) (Benefit, error) {
	if b.ID == "" || b.UserID == "" {
		return Benefit{}, fmt.Errorf("benefit without id or owner: %w", apperr.ErrValidation)
	}
	if b.DiscountPercent < 0 || b.DiscountFixed < 0 || math.IsNaN(b.DiscountPercent) || math.IsNaN(b.DiscountFixed) {
		return Benefit{}, fmt.Errorf("benefit %s has a negative discount: %w", b.ID, apperr.ErrValidation)
	}
	if b.IsUsed != (b.UsedAt != nil) {
		return Benefit{}, fmt.Errorf("benefit %s has inconsistent is_used/used_at: %w", b.ID, apperr.ErrValidation)
	}
	return b, nil
}

// Repository is the persistence port. GetBenefit returns (nil, nil) when the
// benefit does not exist. MarkBenefitUsed must fail with apperr.ErrAlreadyUsed
// when the benefit was already redeemed.
type Repository interface {
	ListBenefitsForUser(ctx context.Context, userID string) ([]Benefit, error)
	GetBenefit(ctx context.Context, benefitID string) (*Benefit, error)
	MarkBenefitUsed(ctx context.Context, benefitID string, usedAt time.Time) error
}

type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// List returns the user's benefits, newest first, with their classification.
func (l *Ledger) List(ctx context.Context, userID string) ([]Entry, error) {
	benefits, err := l.repo.ListBenefitsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list benefits: %w", err)
	}

	sort.SliceStable(benefits, func(i, j int) bool {
		return benefits[i].CreatedAt.After(benefits[j].CreatedAt)
	})

	now := l.now()
	entries := make([]Entry, 0, len(benefits))
	for _, b := range benefits {
		entries = append(entries, Entry{
			Benefit: b,
			Status:  Classify(b, now),
			Label:   FormatDiscount(b),
		})
	}
	return entries, nil
}

// MarkUsed redeems one of the user's benefits. Redeeming twice fails with
// apperr.ErrAlreadyUsed so a discount is never applied twice.
func (l *Ledger) MarkUsed(ctx context.Context, userID, benefitID string) (*Benefit, error) {
	b, err := l.repo.GetBenefit(ctx, benefitID)
	if err != nil {
		return nil, fmt.Errorf("failed to get benefit: %w", err)
	}
	if b == nil || b.UserID != userID {
		return nil, fmt.Errorf("benefit %s: %w", benefitID, apperr.ErrNotFound)
	}

	now := l.now()
	status := Classify(*b, now)
	if status.Used {
		return nil, fmt.Errorf("benefit %s: %w", benefitID, apperr.ErrAlreadyUsed)
	}
	if status.Expired {
		return nil, fmt.Errorf("benefit %s expired at %s: %w", benefitID, b.ValidUntil.Format(time.RFC3339), apperr.ErrValidation)
	}

	if err := l.repo.MarkBenefitUsed(ctx, benefitID, now); err != nil {
		return nil, fmt.Errorf("failed to mark benefit used: %w", err)
	}
	b.IsUsed = true
	b.UsedAt = &now
	return b, nil
}
