package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

var errUnauthenticated = errors.New("unauthenticated")

// Claims are issued by the identity provider in front of the core.
type Claims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id"`
	jwt.RegisteredClaims
}

type Agent struct {
	UserID   string
	Role     string
	BranchID string
}

type agentContextKey struct{}

func agentFrom(ctx context.Context) (Agent, bool) {
	agent, ok := ctx.Value(agentContextKey{}).(Agent)
	return agent, ok
}

func parseToken(secret []byte, raw string) (Agent, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnauthenticated
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Agent{}, errUnauthenticated
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Agent{}, errUnauthenticated
	}
	return Agent{UserID: userID, Role: strings.ToUpper(claims.Role), BranchID: claims.BranchID}, nil
}

// IssueToken signs an HS256 token for agent. Used by tooling and tests.
func IssueToken(secret []byte, agent Agent, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   agent.UserID,
		Role:     agent.Role,
		BranchID: agent.BranchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz":
		return true
	case r.URL.Path == "/api/tickets" && r.Method == http.MethodPost:
		return true
	case r.URL.Path == "/api/queue/status" && r.Method == http.MethodGet:
		return true
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// AuthMiddleware resolves the calling agent from a bearer token. Public
// endpoints pass through untouched.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" || len(h.jwtSecret) == 0 {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{
				ErrorKind: string(store.KindAuthorization), ErrorCode: "UNAUTHENTICATED", Message: "missing bearer token",
			})
			return
		}
		agent, err := parseToken(h.jwtSecret, raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{
				ErrorKind: string(store.KindAuthorization), ErrorCode: "UNAUTHENTICATED", Message: "invalid token",
			})
			return
		}
		ctx := context.WithValue(r.Context(), agentContextKey{}, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireBranch rejects agents scoped to a different branch. Agents without
// a branch claim work across branches.
func requireBranch(agent Agent, branchID string) error {
	if agent.BranchID != "" && branchID != "" && agent.BranchID != branchID {
		return store.ErrForbidden.WithMessage("agent is not assigned to branch %s", branchID)
	}
	return nil
}
