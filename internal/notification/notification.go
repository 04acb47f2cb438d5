package notification

import (
	"fmt"
	"strings"
	"time"

	"mahoyaAPI/internal/apperr"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

type DeviceToken struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Token     string    `json:"token" db:"token"`
	Platform  Platform  `json:"platform" db:"platform"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type RegisterDeviceRequest struct {
	Token    string   `json:"token"`
	Platform Platform `json:"platform"`
}

func (r *RegisterDeviceRequest) Validate() error {
	r.Token = strings.TrimSpace(r.Token)
	if r.Token == "" {
		return fmt.Errorf("token is required: %w", apperr.ErrValidation)
	}
	switch r.Platform {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
	case "":
		r.Platform = PlatformAndroid
	default:
		return fmt.Errorf("platform must be one of ios, android, web: %w", apperr.ErrValidation)
	}
	return nil
}

// Message is a push payload. Data values are delivered as strings.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}
