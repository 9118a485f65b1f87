package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/atmx/energy-market/internal/instruction"
	"github.com/atmx/energy-market/internal/model"
)

// Headers read in development mode, when no signing secret is configured.
const (
	HeaderParticipant = "X-Participant-ID"
	HeaderOperator    = "X-Operator"
)

type ctxKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c instruction.Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(ctx context.Context) (instruction.Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(instruction.Caller)
	return c, ok
}

// Authenticator turns request credentials into an instruction.Caller.
type Authenticator struct {
	secret    []byte
	operators map[model.Identity]bool
}

// NewAuthenticator creates an authenticator. An empty secret enables
// development mode, where the caller is taken from plain headers.
// Identities in operators get operator rights regardless of token roles.
func NewAuthenticator(secret string, operators []model.Identity) *Authenticator {
	a := &Authenticator{
		secret:    []byte(secret),
		operators: make(map[model.Identity]bool, len(operators)),
	}
	for _, id := range operators {
		a.operators[id] = true
	}
	return a
}

// DevMode reports whether requests are trusted without a token.
func (a *Authenticator) DevMode() bool {
	return len(a.secret) == 0
}

// Authenticate resolves the caller of r.
func (a *Authenticator) Authenticate(r *http.Request) (instruction.Caller, error) {
	if a.DevMode() {
		return a.fromHeaders(r)
	}

	token := ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return instruction.Caller{}, ErrInvalidToken
	}
	claims, err := ParseJWT(token, a.secret)
	if err != nil {
		return instruction.Caller{}, err
	}
	id, err := claims.Identity()
	if err != nil {
		return instruction.Caller{}, ErrInvalidToken
	}
	return instruction.Caller{
		Identity: id,
		Operator: claims.HasRole(RoleOperator) || a.operators[id],
	}, nil
}

func (a *Authenticator) fromHeaders(r *http.Request) (instruction.Caller, error) {
	var c instruction.Caller
	if raw := r.Header.Get(HeaderParticipant); raw != "" {
		id, err := model.ParseIdentity(raw)
		if err != nil {
			return c, ErrInvalidToken
		}
		c.Identity = id
	}
	operator, _ := strconv.ParseBool(r.Header.Get(HeaderOperator))
	c.Operator = operator || (!c.Identity.IsZero() && a.operators[c.Identity])
	return c, nil
}

// Middleware rejects requests without valid credentials and stores the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := a.Authenticate(r)
		if err != nil {
			slog.Debug("rejected request", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing credentials"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
	})
}
