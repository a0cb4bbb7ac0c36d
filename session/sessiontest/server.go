package sessiontest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/libtrust"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// decoder caches struct metadata and is safe for concurrent use.
var decoder = schema.NewDecoder()

// Cookie names set by the Server.
const (
	RefreshCookie = "refreshToken"
	CSRFCookie    = "csrfToken"
)

type claims struct {
	jwt.RegisteredClaims

	// Generation is compared to Server.generation: bumping it invalidates every access token issued so far.
	Generation int64 `json:"gen"`
}

// Order is the business resource served by the Server.
type Order struct {
	ID   int    `json:"id"`
	Item string `json:"item,omitempty"`
}

// Server is a fake API server issuing sessions the way a real backend does:
// short-lived bearer access tokens, a rotating HttpOnly refresh cookie and a double-submit anti-forgery cookie.
type Server struct {
	signingKey libtrust.PrivateKey
	method     jwt.SigningMethod
	expiration time.Duration
	// users maps usernames to bcrypt password hashes.
	users map[string][]byte

	mu            sync.Mutex
	refreshTokens map[string]string
	orders        map[int]Order
	nextOrderID   int
	generation    int64

	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64

	Logger *zap.Logger
}

// NewServer returns a Server accepting the given username/password pairs.
// Access tokens are signed with a newly generated P-256 key.
func NewServer(users map[string]string) *Server {
	key, err := libtrust.GenerateECP256PrivateKey()
	if err != nil {
		panic(err)
	}

	return NewServerWithKey(users, key)
}

// NewServerWithKey returns a Server signing access tokens with key (RSA or EC).
func NewServerWithKey(users map[string]string, key libtrust.PrivateKey) *Server {
	var method jwt.SigningMethod

	switch key.KeyType() {
	case "RSA":
		method = jwt.SigningMethodRS256
	case "EC":
		method = jwt.SigningMethodES256
	default:
		panic(fmt.Errorf("unsupported signing key type %q", key.KeyType()))
	}

	hashes := make(map[string][]byte, len(users))

	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}

		hashes[username] = hash
	}

	return &Server{
		signingKey:    key,
		method:        method,
		expiration:    15 * time.Minute,
		users:         hashes,
		refreshTokens: make(map[string]string),
		orders:        make(map[int]Order),
		nextOrderID:   1,
		Logger:        zap.NewNop(),
	}
}

// Handler returns the routes of the Server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Path("/auth/login").Methods(http.MethodPost).HandlerFunc(s.login)
	router.Path("/auth/refresh").Methods(http.MethodPost).HandlerFunc(s.refresh)
	router.Path("/auth/logout").Methods(http.MethodPost).HandlerFunc(s.logout)

	router.Path("/orders").Methods(http.MethodGet).HandlerFunc(s.authenticated(s.listOrders))
	router.Path("/orders").Methods(http.MethodPost).HandlerFunc(s.authenticated(s.csrfProtected(s.createOrder)))
	router.Path("/orders/{id:[0-9]+}").Methods(http.MethodGet).HandlerFunc(s.authenticated(s.getOrder))
	router.Path("/orders/{id:[0-9]+}").Methods(http.MethodDelete).HandlerFunc(s.authenticated(s.csrfProtected(s.deleteOrder)))

	return router
}

// ExpireAccessTokens makes every access token issued so far fail with 401.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
}

// RevokeSessions invalidates every refresh token.
func (s *Server) RevokeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens = make(map[string]string)
}

// RefreshCalls returns how many times the refresh endpoint was called.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

// LogoutCalls returns how many times the logout endpoint was called.
func (s *Server) LogoutCalls() int64 {
	return s.logoutCalls.Load()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type credentialResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	hash, ok := s.users[req.Username]
	if !ok {
		// timing attack paranoia
		bcrypt.CompareHashAndPassword([]byte{}, []byte(req.Password))

		writeError(w, http.StatusUnauthorized, "invalid username or password")

		return
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")

		return
	}

	s.issue(w, req.Username)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if !validCSRF(r) {
		writeError(w, http.StatusForbidden, "invalid anti-forgery token")

		return
	}

	var body credentialResponse
	json.NewDecoder(r.Body).Decode(&body)

	refreshToken := body.RefreshToken
	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		refreshToken = cookie.Value
	}

	s.mu.Lock()
	subject, ok := s.refreshTokens[refreshToken]
	delete(s.refreshTokens, refreshToken)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "session expired")

		return
	}

	s.Logger.Debug("refreshing session", zap.String("subject", subject))

	s.issue(w, subject)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		s.mu.Lock()
		delete(s.refreshTokens, cookie.Value)
		s.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Path: "/", MaxAge: -1, HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookie, Path: "/", MaxAge: -1})

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) issue(w http.ResponseWriter, subject string) {
	now := time.Now()

	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	token := jwt.NewWithClaims(s.method, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.Must(uuid.NewV4()).String(),
		},
		Generation: generation,
	})
	token.Header["kid"] = s.signingKey.KeyID()

	signed, err := token.SignedString(s.signingKey.CryptoPrivateKey())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token")

		return
	}

	refreshToken := uuid.Must(uuid.NewV4()).String()
	csrfToken := uuid.Must(uuid.NewV4()).String()

	s.mu.Lock()
	s.refreshTokens[refreshToken] = subject
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: refreshToken, Path: "/", HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookie, Value: csrfToken, Path: "/"})

	writeJSON(w, http.StatusOK, credentialResponse{
		Token:        signed,
		RefreshToken: refreshToken,
	})
}

// validCSRF checks the double-submit pair. Requests without the cookie pass (no session was started yet).
func validCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookie)
	if err != nil || cookie.Value == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(r.Header.Get("X-CSRF-Token"))) == 1
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.verify(r); err != nil {
			s.Logger.Debug("rejecting request", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")

			return
		}

		next(w, r)
	}
}

func (s *Server) verify(r *http.Request) error {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return errors.New("missing bearer token")
	}

	var c claims

	_, err := jwt.ParseWithClaims(raw, &c, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != s.method.Alg() {
			return nil, errors.New("unexpected signing method")
		}

		if kid, _ := token.Header["kid"].(string); kid != s.signingKey.KeyID() {
			return nil, errors.New("unknown signing key")
		}

		return s.signingKey.PublicKey().CryptoPublicKey(), nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Generation != s.generation {
		return errors.New("access token expired")
	}

	return nil
}

func (s *Server) csrfProtected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CSRFCookie)
		if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(r.Header.Get("X-CSRF-Token"))) != 1 {
			writeError(w, http.StatusForbidden, "invalid anti-forgery token")

			return
		}

		next(w, r)
	}
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var order Order

	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order")

		return
	}

	s.mu.Lock()
	order.ID = s.nextOrderID
	s.nextOrderID++
	s.orders[order.ID] = order
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, order)
}

// OrderQuery filters the order listing.
type OrderQuery struct {
	Item  string `schema:"item"`
	Limit int    `schema:"limit"`
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	var query OrderQuery

	if err := decoder.Decode(&query, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query")

		return
	}

	s.mu.Lock()
	all := maps.Values(s.orders)
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b Order) bool { return a.ID < b.ID })

	orders := make([]Order, 0, len(all))

	for _, order := range all {
		if query.Item != "" && order.Item != query.Item {
			continue
		}

		if query.Limit > 0 && len(orders) == query.Limit {
			break
		}

		orders = append(orders, order)
	}

	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	s.mu.Lock()
	order, ok := s.orders[id]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "order not found")

		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (s *Server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	s.mu.Lock()
	delete(s.orders, id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}
