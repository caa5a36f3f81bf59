// Package auth identifies the buyer, seller or admin behind a request.
//
// Actors arrive as HS256 bearer tokens minted by the storefront. The token
// subject is the actor id and the role claim selects what the protocol lets
// that actor do; authorization itself is enforced by the domain services.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is what an actor may do in the protocol.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Actor is an authenticated party.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Is reports whether the actor has role and id.
func (a Actor) Is(role Role, id string) bool {
	return a.Role == role && a.ID != "" && a.ID == id
}

// System is the actor used by internal jobs.
var System = Actor{ID: "system", Role: RoleAdmin}

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
)

// Claims is the token payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies actor tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer for secret. ttl bounds minted tokens.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: "tradehold", ttl: ttl, now: time.Now}
}

// Issue mints a token for actor.
func (i *Issuer) Issue(actor Actor) (string, error) {
	if actor.ID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if !actor.Role.Valid() {
		return "", ErrInvalidRole
	}
	now := i.now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies raw and returns the actor it names.
func (i *Issuer) Parse(raw string) (Actor, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return Actor{}, ErrInvalidRole
	}
	return Actor{ID: claims.Subject, Role: claims.Role}, nil
}
