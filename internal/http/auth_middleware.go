package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/peepmetrics/internal/service/admin"
)

type authContextKey string

type authInfo struct {
	UserID     string
	Credential string
}

const contextKeyAuth authContextKey = "peep-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// requireAdmin is requireAuth followed by the admin gate. Gate failures deny with
// 503 rather than 403.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing for admin check", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, codeInternal, "authorization context missing")
			return
		}
		err := r.admin.Require(req.Context(), info.UserID, info.Credential)
		switch {
		case err == nil:
			next(w, req)
		case errors.Is(err, admin.ErrForbidden):
			writeError(w, http.StatusForbidden, codeForbidden, "admin access required")
		default:
			r.logger.Error("admin check failed, denying request",
				"error", err,
				"path", req.URL.Path,
				"user_id", info.UserID,
				"request_id", requestIDFromContext(req.Context()),
			)
			writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "service unavailable")
		}
	})
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	if info, ok := authInfoFromContext(req.Context()); ok {
		return req.Context(), info, true
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
		return req.Context(), authInfo{}, false
	}
	identity, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{UserID: identity.UserID, Credential: identity.Credential}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// resolveIdentity returns the caller identity for a request carrying a valid
// bearer token, without writing a response when it does not.
func (r *Router) resolveIdentity(req *http.Request) (authInfo, bool) {
	if info, ok := authInfoFromContext(req.Context()); ok {
		return info, true
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		return authInfo{}, false
	}
	identity, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		return authInfo{}, false
	}
	return authInfo{UserID: identity.UserID, Credential: identity.Credential}, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
