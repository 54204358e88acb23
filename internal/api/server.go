// Package api is the HTTP boundary over the trading engine: request
// decoding, JWT authentication and apperr.Kind → status translation.
// Matching semantics, locking and settlement all live below this
// layer; nothing here mutates engine state directly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/engine"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/ws"
)

type Server struct {
	store   *db.Store
	manager *engine.Manager
	ledger  *ledger.Ledger
	hub     *ws.Hub
	secret  []byte
}

func NewServer(store *db.Store, mgr *engine.Manager, l *ledger.Ledger, hub *ws.Hub, secret string) *Server {
	return &Server{store: store, manager: mgr, ledger: l, hub: hub, secret: []byte(secret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/auth/register", s.register)
	r.Post("/api/v1/auth/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/v1/orders", s.placeOrder)
		r.Post("/api/v1/orders/{id}/cancel", s.cancelOrder)
		r.Get("/api/v1/orders/market/{mid}/book", s.getBook)
		r.Get("/api/v1/orders/user/{uid}", s.listUserOrders)

		r.Post("/api/v1/markets/{id}/match", s.matchMarket)
		r.Post("/api/v1/markets/{id}/settle", s.settleMarket)
		r.Post("/api/v1/markets/{id}/suspend", s.suspendMarket)
		r.Post("/api/v1/markets/{id}/resume", s.resumeMarket)
		r.Get("/api/v1/markets/{id}/positions", s.listPositions)

		r.Post("/api/v1/wallets/deposit", s.depositWallet)
		r.Post("/api/v1/wallets/withdraw", s.withdrawWallet)
		r.Get("/api/v1/wallets/user/{uid}/balance", s.getBalance)
		r.Get("/api/v1/wallets/user/{uid}/transactions", s.listTransactions)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────
// Registration, login and JWT issuance are an external collaborator's
// concern (spec.md §1); kept thin here so the engine endpoints below
// have an identity to authorize against.

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}
	if existing, _ := s.store.GetUserByEmail(r.Context(), req.Email); existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash))
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}
	json200(w, map[string]any{"user": user, "token": s.makeToken(user.ID)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	json200(w, map[string]any{"user": user, "token": s.makeToken(user.ID)})
}

func (s *Server) makeToken(userID string) string {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(15 * time.Minute).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxUserID ctxKey = "userID"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(ctxUserID).(string)
	var req model.PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	order, _, err := s.manager.PlaceOrder(r.Context(), req, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(201)
	json200(w, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Internal, "load order", err))
		return
	}
	if order == nil {
		jsonErr(w, 404, "order not found")
		return
	}
	cancelled, err := s.manager.CancelOrder(r.Context(), order.MarketID, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, cancelled)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "mid")
	if market, err := s.store.GetMarket(r.Context(), marketID); err != nil || market == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, s.manager.BookSnapshot(marketID))
}

func (s *Server) listUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "uid")
	orders, err := s.store.GetUserOrders(r.Context(), userID, 100)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Internal, "list orders", err))
		return
	}
	json200(w, orders)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) matchMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	n, err := s.manager.Match(r.Context(), marketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]int{"matchesExecuted": n})
}

func (s *Server) settleMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req struct {
		WinningOutcome model.Outcome `json:"winningOutcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	market, err := s.manager.Settle(r.Context(), marketID, req.WinningOutcome)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, market)
}

func (s *Server) suspendMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	market, err := s.manager.SuspendMarket(r.Context(), marketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, market)
}

func (s *Server) resumeMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	market, err := s.manager.ResumeMarket(r.Context(), marketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, market)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	positions, err := s.store.ListPositions(r.Context(), marketID)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Internal, "list positions", err))
		return
	}
	json200(w, positions)
}

// ── Wallets ──────────────────────────────────────────

type walletAmountReq struct {
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) depositWallet(w http.ResponseWriter, r *http.Request) {
	var req walletAmountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	wallet, err := s.ledger.Deposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, wallet)
}

func (s *Server) withdrawWallet(w http.ResponseWriter, r *http.Request) {
	var req walletAmountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	wallet, err := s.ledger.Withdraw(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, wallet)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "uid")
	wallet, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Internal, "load wallet", err))
		return
	}
	json200(w, map[string]any{
		"available": wallet.Available,
		"locked":    wallet.Locked,
		"total":     wallet.Total(),
	})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "uid")
	txns, err := s.store.ListTransactions(r.Context(), userID, 100)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Internal, "list transactions", err))
		return
	}
	json200(w, txns)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr translates an apperr.Kind into the HTTP mapping of
// spec.md §7; any other error is treated as Internal.
func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	jsonErr(w, apperr.HTTPStatus(kind), err.Error())
}
