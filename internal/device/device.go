// Package device mints and verifies the opaque device identity token used
// to key the device-free quota. The token is a self-issued JWT binding a
// device uuid and session id, valid for the ttl given to NewMinter; the app
// passes Device.CookieMaxAge (one year by default), so the token lives as
// long as its cookie and is not short-lived. A forged or expired token is
// rejected and a fresh identity is minted in its place.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/metaextract/core/internal/apierrors"
)

// Claims is the payload of a minted device token.
type Claims struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Identity is a verified device identity extracted from a request.
type Identity struct {
	DeviceID  string
	SessionID string
}

// ErrInvalidToken indicates the device token was missing, malformed,
// expired, or signed with the wrong key.
var ErrInvalidToken = apierrors.New(apierrors.ErrCodeUnauthorized, "invalid device token")

// Minter issues and verifies device tokens signed with an HMAC secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// NewMinter constructs a Minter. ttl bounds how long a minted token remains
// valid; the cookie that carries it may outlive the token itself, in which
// case a fresh token is minted transparently on the next request.
func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{secret: []byte(secret), ttl: ttl}
}

// Mint generates a new device uuid, binds it to sessionID, and returns a
// signed token string suitable for an http-only cookie value.
func (m *Minter) Mint(sessionID string) (token string, identity Identity, err error) {
	deviceID, err := newDeviceID()
	if err != nil {
		return "", Identity{}, fmt.Errorf("device: generate device id: %w", err)
	}

	now := time.Now()
	claims := Claims{
		DeviceID:  deviceID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", Identity{}, fmt.Errorf("device: sign token: %w", err)
	}
	return signed, Identity{DeviceID: deviceID, SessionID: sessionID}, nil
}

// Verify parses and validates a device token previously issued by Mint. A
// missing, forged, or expired token returns ErrInvalidToken; the caller
// should treat this identically to a first-time visitor and mint a new one.
func (m *Minter) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.DeviceID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{DeviceID: claims.DeviceID, SessionID: claims.SessionID}, nil
}

func newDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
