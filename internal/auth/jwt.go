package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleDevice = "device"

	deviceTokenTTL = 24 * time.Hour
)

var (
	ErrInvalidRole     = errors.New("token is not a device token")
	ErrMissingDeviceID = errors.New("device ID not found in token")
)

// JWTClaims represents the claims in a device token
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 device tokens
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty secret disables
// verification, see Enabled.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Enabled reports whether device tokens are required
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// GenerateDeviceToken generates a JWT token for device authentication
func (a *Authenticator) GenerateDeviceToken(deviceID string) (string, error) {
	now := a.now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     RoleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(deviceTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateDeviceToken validates a JWT token and returns the device ID it carries
func (a *Authenticator) ValidateDeviceToken(tokenString string) (string, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}

	if claims.Role != RoleDevice {
		return "", ErrInvalidRole
	}
	if claims.DeviceID == "" {
		return "", ErrMissingDeviceID
	}
	return claims.DeviceID, nil
}
