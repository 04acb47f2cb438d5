package d20

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mahoyaAPI/internal/apperr"
)

const (
	guestRollKeyPrefix  = "mahoya_d20_roll_"
	guestPopupKeyPrefix = "mahoya_d20_popup_shown_"
)

// KV is device-local key/value storage owned by a single guest browser.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key is unset and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// CompareAndPut replaces the value under key only while it still equals old
	// and reports whether it did.
	CompareAndPut(ctx context.Context, key string, old, value []byte) (bool, error)
}

func GuestRollKey(guestID string) string  { return guestRollKeyPrefix + guestID }
func GuestPopupKey(guestID string) string { return guestPopupKeyPrefix + guestID }

type guestRoll struct {
	RollResult       int        `json:"rollResult"`
	PrizeCode        string     `json:"prizeCode"`
	PrizeTitle       string     `json:"prizeTitle"`
	PrizeDescription string     `json:"prizeDescription"`
	UsedAt           *time.Time `json:"usedAt"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// GuestRepository keeps a guest's roll in local storage. Guests skip the
// eligibility gate: anyone who has not rolled yet may roll.
type GuestRepository struct {
	kv KV
}

func NewGuestRepository(kv KV) *GuestRepository {
	return &GuestRepository{kv: kv}
}

func (g *GuestRepository) GetEligibility(ctx context.Context, guestID string) (*Eligibility, error) {
	return &Eligibility{UserID: guestID}, nil
}

func (g *GuestRepository) GetRoll(ctx context.Context, guestID string) (*Roll, error) {
	roll, _, err := g.loadRoll(ctx, guestID)
	return roll, err
}

// loadRoll returns the decoded roll together with the bytes it was read from.
func (g *GuestRepository) loadRoll(ctx context.Context, guestID string) (*Roll, []byte, error) {
	raw, ok, err := g.kv.Get(ctx, GuestRollKey(guestID))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}

	var blob guestRoll
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, nil, fmt.Errorf("decode guest roll: %v: %w", err, apperr.ErrCorruptRecord)
	}

	roll, err := ParseRoll(Roll{
		UserID:           guestID,
		RollResult:       blob.RollResult,
		PrizeCode:        blob.PrizeCode,
		PrizeTitle:       blob.PrizeTitle,
		PrizeDescription: blob.PrizeDescription,
		UsedAt:           blob.UsedAt,
		CreatedAt:        blob.CreatedAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stored guest roll %s: %v: %w", guestID, err, apperr.ErrCorruptRecord)
	}
	return &roll, raw, nil
}

func (g *GuestRepository) InsertRoll(ctx context.Context, roll Roll) (*Roll, error) {
	raw, err := encodeGuestRoll(roll)
	if err != nil {
		return nil, err
	}

	stored, err := g.kv.PutIfAbsent(ctx, GuestRollKey(roll.UserID), raw)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, fmt.Errorf("guest %s already rolled: %w", roll.UserID, apperr.ErrConflict)
	}
	return &roll, nil
}

// MarkRollUsed swaps the stored roll for its redeemed copy only if nobody
// changed it since it was read, so two concurrent redeems cannot both win.
func (g *GuestRepository) MarkRollUsed(ctx context.Context, guestID string, usedAt time.Time) error {
	roll, old, err := g.loadRoll(ctx, guestID)
	if err != nil {
		return err
	}
	if roll == nil {
		return fmt.Errorf("guest %s has no roll: %w", guestID, apperr.ErrNotFound)
	}
	if roll.IsUsed() {
		return fmt.Errorf("guest %s prize: %w", guestID, apperr.ErrAlreadyUsed)
	}

	roll.UsedAt = &usedAt
	raw, err := encodeGuestRoll(*roll)
	if err != nil {
		return err
	}
	swapped, err := g.kv.CompareAndPut(ctx, GuestRollKey(guestID), old, raw)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("guest %s prize: %w", guestID, apperr.ErrAlreadyUsed)
	}
	return nil
}

// ClaimPopup reports true the first time it is called for a guest and false
// afterwards. It only controls whether the prompt opens automatically.
func (g *GuestRepository) ClaimPopup(ctx context.Context, guestID string) (bool, error) {
	return g.kv.PutIfAbsent(ctx, GuestPopupKey(guestID), []byte("true"))
}

func (g *GuestRepository) PopupShown(ctx context.Context, guestID string) (bool, error) {
	_, ok, err := g.kv.Get(ctx, GuestPopupKey(guestID))
	return ok, err
}

func encodeGuestRoll(roll Roll) ([]byte, error) {
	raw, err := json.Marshal(guestRoll{
		RollResult:       roll.RollResult,
		PrizeCode:        roll.PrizeCode,
		PrizeTitle:       roll.PrizeTitle,
		PrizeDescription: roll.PrizeDescription,
		UsedAt:           roll.UsedAt,
		CreatedAt:        roll.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode guest roll: %w", err)
	}
	return raw, nil
}
