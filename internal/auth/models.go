package auth

import "time"

type Guard struct {
	ID           string    `json:"id"`
	BadgeNumber  string    `json:"badge_number"`
	FullName     string    `json:"full_name"`
	Site         string    `json:"site,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type RegisterRequest struct {
	BadgeNumber string `json:"badge_number" validate:"required,max=32"`
	FullName    string `json:"full_name" validate:"required,max=120"`
	Password    string `json:"password" validate:"required,min=6"`
	Site        string `json:"site" validate:"max=120"`
}

type LoginRequest struct {
	BadgeNumber string `json:"badge_number" validate:"required"`
	Password    string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// DeviceTokenRequest asks for an access token for a patrol handset. Zero
// TTLHours uses the default device lifetime.
type DeviceTokenRequest struct {
	TTLHours int `json:"ttl_hours" validate:"omitempty,min=1,max=2160"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
