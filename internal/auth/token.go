// Package auth issues and verifies the HS256 bearer tokens shared by the
// messaging API, the relay and the CLI. The sub claim is the participant id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/convsync/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is what a verified token says about its participant.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
	jwt.RegisteredClaims
}

// Participant returns the snapshot of the token holder.
func (c *Claims) Participant() model.Participant {
	return model.Participant{ID: c.Subject, DisplayName: c.Name, Contact: c.Contact}
}

// Verifier validates tokens. *JWT implements it.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

type JWT struct {
	secret []byte
	issuer string
}

func NewJWT(secret []byte, issuer string) *JWT {
	return &JWT{secret: secret, issuer: issuer}
}

func (j *JWT) Verify(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !model.ValidParticipantID(claims.Subject) {
		return nil, fmt.Errorf("%w: sub %q", ErrInvalidToken, claims.Subject)
	}
	return &claims, nil
}

// Issue signs a token for p valid for ttl.
func (j *JWT) Issue(p model.Participant, ttl time.Duration) (string, error) {
	if !model.ValidParticipantID(p.ID) {
		return "", fmt.Errorf("auth.Issue: invalid participant id %q", p.ID)
	}
	now := time.Now()
	claims := Claims{
		Name:    p.DisplayName,
		Contact: p.Contact,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Subject returns the participant id of a token without checking its signature.
// Clients use it to learn their own id; servers must call Verify.
func Subject(tokenString string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !model.ValidParticipantID(claims.Subject) {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
