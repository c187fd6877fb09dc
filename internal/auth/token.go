package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenClaims  = errors.New("token claims do not match")
)

// Claims is the validated identity a token binds: one user in one room.
type Claims struct {
	UserID string
	RoomID string
}

// Issuer creates and validates the short-lived tokens required before a
// socket may authenticate.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the (userID, roomID) pair. Returns the token
// and its expiry.
func (i *Issuer) Issue(userID, roomID string) (string, time.Time, error) {
	expires := time.Now().Add(i.ttl)
	claims := jwt.MapClaims{
		"user_id": userID,
		"room_id": roomID,
		"exp":     expires.Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature and expiry and returns the bound identity.
func (i *Issuer) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	roomID, _ := claims["room_id"].(string)
	if userID == "" || roomID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: userID, RoomID: roomID}, nil
}

// VerifyFor validates the token and checks that it was issued for the
// given identity pair.
func (i *Issuer) VerifyFor(tokenString, userID, roomID string) error {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return err
	}
	if claims.UserID != userID || claims.RoomID != roomID {
		return ErrTokenClaims
	}
	return nil
}
