package auth

import (
	"context"
	"errors"
	"time"

	"fieldops-patrol/internal/db"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Guards stay connected for a full shift on one access token.
	accessTokenTTL  = 12 * time.Hour
	refreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
)

type Service struct {
	secret   []byte
	db       db.Querier
	validate *validator.Validate
}

type Claims struct {
	GuardID string `json:"guard_id"`
	jwt.RegisteredClaims
}

var (
	signTokenFn       = (*Service).signToken
	hashPasswordFn    = bcrypt.GenerateFromPassword
	parseWithClaimsFn = jwt.ParseWithClaims
)

func NewService(secret string, db db.Querier) *Service {
	return &Service{
		secret:   []byte(secret),
		db:       db,
		validate: validator.New(),
	}
}

// Register enrols a guard. Badge numbers are unique.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Guard, TokenResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return Guard{}, TokenResponse{}, err
	}
	hash, err := hashPasswordFn([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Guard{}, TokenResponse{}, err
	}

	guard := Guard{
		ID:           uuid.NewString(),
		BadgeNumber:  req.BadgeNumber,
		FullName:     req.FullName,
		Site:         req.Site,
		PasswordHash: string(hash),
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO guards (id, badge_number, full_name, site, password_hash)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, guard.ID, guard.BadgeNumber, guard.FullName, guard.Site, guard.PasswordHash)
	if err := row.Scan(&guard.CreatedAt); err != nil {
		return Guard{}, TokenResponse{}, err
	}

	tokens, err := s.GenerateTokens(ctx, guard.ID)
	if err != nil {
		return Guard{}, TokenResponse{}, err
	}
	return guard, tokens, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Guard, TokenResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return Guard{}, TokenResponse{}, err
	}
	row := s.db.QueryRow(ctx, `
		SELECT id, badge_number, full_name, site, password_hash, created_at
		FROM guards WHERE badge_number = $1
	`, req.BadgeNumber)

	var guard Guard
	if err := row.Scan(&guard.ID, &guard.BadgeNumber, &guard.FullName, &guard.Site, &guard.PasswordHash, &guard.CreatedAt); err != nil {
		return Guard{}, TokenResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(guard.PasswordHash), []byte(req.Password)); err != nil {
		return Guard{}, TokenResponse{}, ErrInvalidCredentials
	}

	tokens, err := s.GenerateTokens(ctx, guard.ID)
	if err != nil {
		return Guard{}, TokenResponse{}, err
	}
	return guard, tokens, nil
}

func (s *Service) GenerateTokens(ctx context.Context, guardID string) (TokenResponse, error) {
	access, err := signTokenFn(s, guardID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	refresh, err := signTokenFn(s, guardID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := s.saveRefreshToken(ctx, refresh, guardID, refreshTokenTTL); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	guardID, expiresAt, err := s.lookupRefreshToken(ctx, token)
	if err != nil || guardID != claims.GuardID || time.Now().After(expiresAt) {
		return "", errors.New("refresh token invalid")
	}
	return claims.GuardID, nil
}

// ValidateAccessToken returns the guard id carried by a valid access token.
func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.GuardID, nil
}

// IssueAccessToken signs an access token with no refresh token behind it.
func (s *Service) IssueAccessToken(guardID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = accessTokenTTL
	}
	return signTokenFn(s, guardID, ttl)
}

func (s *Service) signToken(guardID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		GuardID: guardID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.GuardID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *Service) saveRefreshToken(ctx context.Context, token, guardID string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, guard_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), guardID, token, time.Now().Add(ttl))
	return err
}

func (s *Service) lookupRefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	row := s.db.QueryRow(ctx, `
		SELECT guard_id, expires_at
		FROM refresh_tokens
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	var guardID string
	var expiresAt time.Time
	if err := row.Scan(&guardID, &expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return guardID, expiresAt, nil
}
