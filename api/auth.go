/*
auth.go - Bearer token identity boundary

PURPOSE:
  The engine trusts an Actor (id, role, station) supplied by its caller.
  Over HTTP that actor comes from an HS256 JWT in the Authorization header.

CLAIMS:
  sub         Actor ID
  role        OPERATOR | MANAGER | OWNER | ADMIN
  station_id  Home station (empty for ADMIN)
  exp         Required
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-shift-engine/shift"
)

type Claims struct {
	Role      shift.Role      `json:"role"`
	StationID shift.StationID `json:"station_id,omitempty"`
	jwt.RegisteredClaims
}

const TokenExp = time.Hour * 12

type contextKey string

const actorContextKey contextKey = "actor"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// IssueToken signs a token for actor. Used by tooling and tests; the
// production issuer lives outside this service.
func IssueToken(secret []byte, actor shift.Actor, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role:      actor.Role,
		StationID: actor.StationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies tokenString and returns the actor it names.
func ParseToken(secret []byte, tokenString string) (shift.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return shift.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return shift.Actor{}, fmt.Errorf("%w: exp is required", ErrInvalidToken)
	}
	actor := shift.Actor{ID: claims.Subject, Role: claims.Role, StationID: claims.StationID}
	if actor.ID == "" || !actor.Role.Valid() {
		return shift.Actor{}, fmt.Errorf("%w: subject and role are required", ErrInvalidToken)
	}
	if actor.Role != shift.RoleAdmin && actor.StationID == "" {
		return shift.Actor{}, fmt.Errorf("%w: station_id is required for %s", ErrInvalidToken, actor.Role)
	}
	return actor, nil
}

// Authenticate rejects requests without a valid bearer token and stores the
// actor in the request context.
func Authenticate(secret []byte, logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, ErrorResponse{Error: ErrMissingToken.Error()})
				return
			}

			actor, err := ParseToken(secret, tokenString)
			if err != nil {
				logger.WithError(err).WithField("uri", r.RequestURI).Warn("rejected token")
				writeError(w, http.StatusUnauthorized, ErrorResponse{Error: ErrInvalidToken.Error()})
				return
			}

			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFrom returns the authenticated actor. Handlers behind Authenticate
// always have one.
func ActorFrom(ctx context.Context) (shift.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(shift.Actor)
	return actor, ok
}
