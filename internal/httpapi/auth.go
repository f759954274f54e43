package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey int

const userIDKey contextKey = iota

var errBadSubject = errors.New("token subject is not a user id")

// requireUser verifies a bearer JWT signed with secret and stores the user id
// from its sub claim in the request context.
func requireUser(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				writeMessage(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}
			raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
			uid, err := parseUserID(raw, secret)
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, "Unauthenticated.")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
		})
	}
}

func parseUserID(tokenString string, secret []byte) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, errors.New("invalid token")
	}
	switch sub := claims["sub"].(type) {
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil || id <= 0 {
			return 0, errBadSubject
		}
		return id, nil
	case float64:
		if sub <= 0 || sub != math.Trunc(sub) {
			return 0, errBadSubject
		}
		return int64(sub), nil
	default:
		return 0, errBadSubject
	}
}

func userID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}
