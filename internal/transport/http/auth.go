package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperr "github.com/tranvu/hrmledger/internal/platform/errors"
)

type contextKey string

const actorKey contextKey = "actor"

// ActorID returns the authenticated employee id from the request context,
// zero when unauthenticated.
func ActorID(ctx context.Context) int64 {
	if value, ok := ctx.Value(actorKey).(int64); ok {
		return value
	}
	return 0
}

// withActor returns ctx carrying the authenticated employee id.
func withActor(ctx context.Context, employeeID int64) context.Context {
	return context.WithValue(ctx, actorKey, employeeID)
}

// Authenticate validates the bearer token and resolves the acting employee.
// Tokens are HMAC-signed with the subject claim holding the employee id.
func Authenticate(secret []byte) Middleware {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.NotFoundHandler()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, err := actorFromRequest(r, secret)
			if err != nil {
				WriteError(w, nil, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actorID)))
		})
	}
}

func actorFromRequest(r *http.Request, secret []byte) (int64, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return 0, apperr.New(apperr.CodeUnauthorized, "authorization header is required")
	}

	scheme, tokenString, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return 0, apperr.New(apperr.CodeUnauthorized, "bearer token is required")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeUnauthorized, "invalid token", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return 0, apperr.New(apperr.CodeUnauthorized, "token subject is required")
	}

	actorID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || actorID <= 0 {
		return 0, apperr.New(apperr.CodeUnauthorized, "token subject must be an employee id")
	}

	return actorID, nil
}
