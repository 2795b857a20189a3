// Package api is the consumer layer: it translates HTTP/WebSocket traffic
// into engine calls and forwards engine output back to transports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/papertrade/exchange/params"
	"github.com/papertrade/exchange/pkg/exchange/broadcast"
	"github.com/papertrade/exchange/pkg/exchange/engine"
	"github.com/papertrade/exchange/pkg/exchange/ledger"
	"github.com/papertrade/exchange/pkg/identity"
)

const sessionCookie = "jwt_token"

// Server handles REST API and WebSocket connections. All collaborators are
// passed in explicitly; the server owns none of the engine state.
type Server struct {
	engine   *engine.Engine
	registry *broadcast.Registry
	store    *ledger.Store
	auth     *identity.JWT
	log      *zap.SugaredLogger
	cfg      params.Config
	router   *mux.Router
	httpSrv  *http.Server
}

func NewServer(eng *engine.Engine, reg *broadcast.Registry, store *ledger.Store, auth *identity.JWT, log *zap.SugaredLogger, cfg params.Config) *Server {
	s := &Server{
		engine:   eng,
		registry: reg,
		store:    store,
		auth:     auth,
		log:      log,
		cfg:      cfg,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/auth/session", s.handleSession).Methods("GET")

	api.HandleFunc("/account", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/account/balance", s.handleAddBalance).Methods("POST")

	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler exposes the full routing tree, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.httpSrv = &http.Server{
		Addr:    s.cfg.HTTP.Addr,
		Handler: c.Handler(s.router),
	}

	s.log.Infow("api_server_starting", "addr", s.cfg.HTTP.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// userFromRequest validates the session cookie; nil means unauthenticated.
func (s *Server) userFromRequest(r *http.Request) *identity.Identity {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	user, err := s.auth.Authenticate(cookie.Value)
	if err != nil {
		return nil
	}
	return user
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.auth.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Name == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "name, email and password are required")
		return
	}

	acc, err := s.store.CreateAccount(req.Name, req.Email, req.Password, s.cfg.Ledger.OpeningBalance)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			respondError(w, http.StatusConflict, "account already exists")
			return
		}
		s.log.Errorw("register_failed", "email", req.Email, "err", err)
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	token, err := s.auth.IssueToken(acc.UserID, acc.Email)
	if err != nil {
		s.log.Errorw("token_issue_failed", "user_id", acc.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.setSessionCookie(w, token)

	respondJSON(w, http.StatusCreated, map[string]any{
		"user":    userResponse{Name: acc.Name, Email: acc.Email, Balance: acc.Balance},
		"message": "User registered successfully",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acc, err := s.store.Authenticate(req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.IssueToken(acc.UserID, acc.Email)
	if err != nil {
		s.log.Errorw("token_issue_failed", "user_id", acc.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.setSessionCookie(w, token)

	respondJSON(w, http.StatusOK, map[string]any{
		"user":    userResponse{Name: acc.Name, Email: acc.Email, Balance: acc.Balance},
		"message": "Login successful",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(r)
	if user == nil {
		respondJSON(w, http.StatusOK, map[string]any{"isValid": false})
		return
	}

	acc, err := s.store.Account(user.ID)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"isValid": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"isValid": true,
		"user":    userResponse{Name: acc.Name, Email: acc.Email, Balance: acc.Balance},
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(r)
	if user == nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	balance, err := s.store.Balance(user.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	holdings, err := s.store.Holdings(user.ID)
	if err != nil {
		s.log.Errorw("holdings_lookup_failed", "user_id", user.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, accountResponse{Balance: balance, Holdings: holdings})
}

func (s *Server) handleAddBalance(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(r)
	if user == nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req addBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := s.store.AddBalance(user.ID, req.Amount)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "top-up failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":     "Balance added successfully",
		"new_balance": balance,
	})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot(s.cfg.Engine.SnapshotDepth))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
