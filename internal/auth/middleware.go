package auth

import (
	"net/http"
	"strings"

	"the-relay/internal/core"
)

// Middleware guards the control API with the admin bearer token
type Middleware struct {
	token  *Token
	logger *core.Logger
}

// NewMiddleware creates the authentication middleware
func NewMiddleware(adminToken string, logger *core.Logger) (*Middleware, error) {
	token, err := ParseToken(adminToken)
	if err != nil {
		return nil, core.NewConfigurationError("invalid admin token", err)
	}

	return &Middleware{
		token:  token,
		logger: logger,
	}, nil
}

// RequireToken rejects requests without a valid "Authorization: Bearer" header
func (m *Middleware) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Authorization")

		authorizationHeader := r.Header.Get("Authorization")
		if authorizationHeader == "" {
			m.authenticationRequiredResponse(w, r)
			return
		}

		headerParts := strings.Split(authorizationHeader, " ")
		if len(headerParts) != 2 || headerParts[0] != "Bearer" {
			m.invalidAuthenticationTokenResponse(w, r)
			return
		}

		ok, err := m.token.Matches(headerParts[1])
		if err != nil {
			m.logger.Error("Token validation error", "error", err)
			m.serverErrorResponse(w, r)
			return
		}
		if !ok {
			m.logger.Warn("Rejected invalid admin token", "remote_addr", r.RemoteAddr)
			m.invalidAuthenticationTokenResponse(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) invalidAuthenticationTokenResponse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	core.WriteErrorResponse(w, http.StatusUnauthorized, core.NewAppError(
		core.ErrCodeUnauthorized, "Invalid authentication token", nil))
}

func (m *Middleware) authenticationRequiredResponse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	core.WriteErrorResponse(w, http.StatusUnauthorized, core.NewAppError(
		core.ErrCodeUnauthorized, "Authentication required", nil))
}

func (m *Middleware) serverErrorResponse(w http.ResponseWriter, r *http.Request) {
	core.WriteErrorResponse(w, http.StatusInternalServerError, core.NewAppError(
		core.ErrCodeInternal, "Internal server error", nil))
}
