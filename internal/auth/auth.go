// Package auth handles account registration and JWT issuance. An account is a
// ledger address plus API credentials; the token's client_id claim carries
// the address, which downstream services treat as the caller identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Account is a registered API identity bound to a ledger address.
type Account struct {
	gorm.Model `json:"-"`
	Address    string `gorm:"uniqueIndex" json:"address"`
	APIKey     string `gorm:"uniqueIndex" json:"api_key"`
	APISecret  string `json:"-"`
}

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// Service handles authentication and authorization operations
type Service struct {
	db        *gorm.DB
	jwtSecret []byte
}

// NewService creates a new authentication service with the given JWT secret
func NewService(db *gorm.DB, jwtSecret string) *Service {
	return &Service{
		db:        db,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates an account for a ledger address and returns its generated
// API credentials. The secret is only returned once.
func (s *Service) Register(address string) (*Account, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}
	account := &Account{
		Address:   address,
		APIKey:    "key_" + uuid.New().String(),
		APISecret: uuid.New().String(),
	}
	if err := s.db.Create(account).Error; err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	log.Info().
		Str("service", "auth").
		Str("address", address).
		Msg("account registered")
	return account, nil
}

// GenerateToken generates a JWT token for valid API credentials.
// The token carries the account's ledger address with 24-hour expiration.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	var account Account
	err := s.db.Where("api_key = ?", creds.APIKey).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && account.APISecret != creds.APISecret) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up credentials: %w", err)
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ClientID: account.Address,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims.
// Verifies token signature and expiration.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type registerRequest struct {
	Address string `json:"address" binding:"required"`
}

// RegisterHandler handles POST requests to register a new account
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		account, err := h.service.Register(req.Address)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		// The secret is returned exactly once, at registration.
		response.Success(c, gin.H{
			"address":    account.Address,
			"api_key":    account.APIKey,
			"api_secret": account.APISecret,
		})
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens.
// Request body should contain API credentials.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
