package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quillhq/adminauth/apiclient"
	"github.com/quillhq/adminauth/auth"
	"github.com/quillhq/adminauth/flowstore"
	"github.com/quillhq/adminauth/session"
)

type server struct {
	provider auth.Provider
	flow     flowstore.Store
	users    *apiclient.UsersService

	// loginLimiter slows down repeated hits on the auth endpoints, which
	// each mint fresh PKCE artifacts and clobber any flow in progress.
	loginLimiter *rate.Limiter
}

func newServer(provider auth.Provider, flow flowstore.Store, users *apiclient.UsersService) *server {
	return &server{
		provider:     provider,
		flow:         flow,
		users:        users,
		loginLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/auth/login", s.handleLogin)
		r.Get("/auth/callback", s.handleCallback)
		r.Get("/auth/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/me", s.handleMe)
		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Post("/", s.handleCreateUser)
			r.Get("/{id}", s.handleGetUser)
			r.Patch("/{id}", s.handleUpdateUser)
			r.Delete("/{id}", s.handleDeleteUser)
		})
	})

	return r
}

func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.loginLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if !safeReturnPath(returnTo) {
		returnTo = ""
	}

	u, err := s.provider.Login(returnTo)
	if err != nil {
		slog.Error("starting login failed", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, u, http.StatusFound)
}

func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.HandleCallback(r.Context(), r.URL.String()); err != nil {
		s.callbackError(w, err)
		return
	}

	dest := s.flow.ReturnTo()
	s.flow.ClearReturnTo()
	if !safeReturnPath(dest) {
		dest = "/"
	}

	http.Redirect(w, r, dest, http.StatusFound)
}

func (s *server) callbackError(w http.ResponseWriter, err error) {
	var authErr *auth.AuthorizationError
	var tokenErr *auth.TokenRequestError

	switch {
	case errors.As(err, &authErr):
		slog.Warn("identity provider denied authorization", "code", authErr.Code)
		http.Error(w, authErr.Error(), http.StatusUnauthorized)
	case errors.Is(err, auth.ErrMalformedCallback),
		errors.Is(err, auth.ErrStateMismatch),
		errors.Is(err, auth.ErrMissingVerifier):
		slog.Warn("callback rejected", "error", err)
		http.Error(w, "login failed, please try again", http.StatusBadRequest)
	case errors.As(err, &tokenErr):
		slog.Error("token exchange failed", "status", tokenErr.StatusCode)
		http.Error(w, "identity provider error", http.StatusBadGateway)
	default:
		slog.Error("callback failed", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
	}
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	u, err := s.provider.Logout()
	if err != nil {
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, u, http.StatusFound)
}

// authState is the session view handed to the frontend. Tokens stay out.
type authState struct {
	Authenticated bool          `json:"authenticated"`
	User          *session.User `json:"user,omitempty"`
	Roles         []string      `json:"roles,omitempty"`
	ExpiresAt     int64         `json:"expires_at,omitempty"`
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	state := authState{Authenticated: s.provider.IsAuthenticated()}
	if sess := s.provider.GetSession(); state.Authenticated && sess != nil {
		state.User = sess.User
		state.Roles = sess.Roles
		state.ExpiresAt = sess.ExpiresAt
	}

	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := apiclient.ListUsersParams{
		Search: q.Get("search"),
		Role:   apiclient.Role(q.Get("role")),
		Status: apiclient.Status(q.Get("status")),
	}
	params.Page, _ = strconv.Atoi(q.Get("page"))
	params.Limit, _ = strconv.Atoi(q.Get("limit"))

	page, err := s.users.List(r.Context(), params)
	if err != nil {
		s.apiError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	u, err := s.users.Get(r.Context(), id)
	if err != nil {
		s.apiError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in apiclient.CreateUser
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.users.Create(r.Context(), in)
	if err != nil {
		s.apiError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	var in apiclient.UpdateUser
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.users.Update(r.Context(), id, in)
	if err != nil {
		s.apiError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	if err := s.users.Delete(r.Context(), id); err != nil {
		s.apiError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// apiError relays a backend API failure to the frontend, preserving the
// upstream status and structured body.
func (s *server) apiError(w http.ResponseWriter, err error) {
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, map[string]any{
			"message": apiErr.Message,
			"code":    apiErr.Code,
			"details": apiErr.Details,
		})
		return
	}

	var netErr *apiclient.NetworkError
	if errors.As(err, &netErr) {
		http.Error(w, "backend unreachable", http.StatusBadGateway)
		return
	}

	slog.Error("api call failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response failed", "error", err)
	}
}

// safeReturnPath accepts only site-local paths so the post-login redirect
// cannot be pointed at another origin.
func safeReturnPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}
