package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrMissingSecret = errors.New("JWT secret key is required")
)

// Role represents a caller's access level
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator" // may start runs
	RoleViewer   Role = "viewer"   // may read runs and results
)

var roleRank = map[Role]int{
	RoleAdmin:    100,
	RoleOperator: 50,
	RoleViewer:   10,
}

// HasPermission checks if role has at least the required permission level
func (r Role) HasPermission(required Role) bool {
	rank, ok := roleRank[r]
	return ok && rank >= roleRank[required]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Claims represents JWT token claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role"`
}

// UserID is the token subject.
func (c *Claims) UserID() string { return c.Subject }

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey   string
	Issuer      string
	TokenExpiry time.Duration
}

// DefaultJWTConfig returns defaults; the secret must come from the environment.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer:      "geotask",
		TokenExpiry: 12 * time.Hour,
	}
}

// JWTService issues and validates HS256 bearer tokens.
type JWTService struct {
	config JWTConfig
	now    func() time.Time
}

func NewJWTService(config JWTConfig) (*JWTService, error) {
	if config.SecretKey == "" {
		return nil, ErrMissingSecret
	}
	if config.Issuer == "" {
		config.Issuer = DefaultJWTConfig().Issuer
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = DefaultJWTConfig().TokenExpiry
	}
	return &JWTService{config: config, now: time.Now}, nil
}

// GenerateToken signs a token for userID with the given role.
func (s *JWTService) GenerateToken(userID, username string, role Role) (string, error) {
	if userID == "" || !role.Valid() {
		return "", ErrInvalidClaims
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Username: username,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

// ValidateToken validates a JWT token and returns the claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.SecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
