// Package rpc provides the JSON-RPC 2.0 API and the WebSocket push
// channel for the crosshatch daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/auction"
	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/notify"
	"github.com/crosshatch-labs/crosshatch/internal/oracle"
	"github.com/crosshatch-labs/crosshatch/internal/secret"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/internal/timelock"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// Config carries the server's collaborators and settings.
type Config struct {
	Store       swap.Store
	Coordinator *swap.Coordinator
	Secrets     *secret.Manager
	Quoter      *auction.Quoter
	Rates       oracle.Oracle
	Notifier    *notify.Registry

	Network  chain.Network
	Timelock timelock.Params

	// AuthToken, when set, is required in the WebSocket auth handshake.
	// Empty leaves the push channel open.
	AuthToken string

	// Version is reported by service_info.
	Version string

	Logger *logging.Logger
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	store    swap.Store
	coord    *swap.Coordinator
	secrets  *secret.Manager
	quoter   *auction.Quoter
	rates    oracle.Oracle
	notifier *notify.Registry

	network   chain.Network
	timelock  timelock.Params
	authToken string
	version   string

	log *logging.Logger

	server   *http.Server
	listener net.Listener
	started  time.Time

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Data carries the stable code
// string for domain failures so clients can branch without parsing the
// message.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// AppError covers domain failures; the stable string in Error.Data
	// distinguishes them.
	AppError = -32000
)

// Stable error code strings carried in Error.Data.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeSessionLimit     = "SESSION_LIMIT_REACHED"
	CodeQuoteUnavailable = "QUOTE_UNAVAILABLE"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeInvalidState     = "SESSION_INVALID_STATE"
	CodeSecretNotFound   = "SECRET_NOT_FOUND"
	CodeSecretExpired    = "SECRET_EXPIRED"
	CodeSecretRevealed   = "SECRET_ALREADY_REVEALED"
	CodeSecretMismatch   = "SECRET_MISMATCH"
)

// errValidation tags request-shape failures so codeFor maps them to
// InvalidParams alongside the domain validation errors.
var errValidation = errors.New("validation error")

// codeFor maps a handler error to its JSON-RPC code and stable string.
// Unmapped errors fall through to InternalError with no code string.
func codeFor(err error) (int, string) {
	switch {
	case errors.Is(err, errValidation),
		errors.Is(err, swap.ErrInvalidSession),
		errors.Is(err, auction.ErrInvalidRequest),
		errors.Is(err, timelock.ErrInvalidTimeout):
		return InvalidParams, CodeValidation
	case errors.Is(err, swap.ErrSessionNotFound):
		return AppError, CodeSessionNotFound
	case errors.Is(err, swap.ErrInvalidState):
		return AppError, CodeInvalidState
	case errors.Is(err, swap.ErrSessionLimit):
		return AppError, CodeSessionLimit
	case errors.Is(err, auction.ErrQuoteUnavailable):
		return AppError, CodeQuoteUnavailable
	case errors.Is(err, secret.ErrNotFound):
		return AppError, CodeSecretNotFound
	case errors.Is(err, secret.ErrExpired):
		return AppError, CodeSecretExpired
	case errors.Is(err, secret.ErrAlreadyRevealed):
		return AppError, CodeSecretRevealed
	case errors.Is(err, secret.ErrMismatch):
		return AppError, CodeSecretMismatch
	default:
		return InternalError, ""
	}
}

// NewServer creates a JSON-RPC server. Store, Coordinator, Secrets, and
// Quoter are required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("rpc server needs a session store")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("rpc server needs a coordinator")
	}
	if cfg.Secrets == nil {
		return nil, errors.New("rpc server needs a secret manager")
	}
	if cfg.Quoter == nil {
		return nil, errors.New("rpc server needs a quoter")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}
	network := cfg.Network
	if network == "" {
		network = chain.Mainnet
	}
	tl := cfg.Timelock
	if tl.PublicWindow == 0 && tl.CancelWindow == 0 && tl.SafetyBuffer == 0 {
		tl = timelock.DefaultParams()
	}

	s := &Server{
		store:     cfg.Store,
		coord:     cfg.Coordinator,
		secrets:   cfg.Secrets,
		quoter:    cfg.Quoter,
		rates:     cfg.Rates,
		notifier:  cfg.Notifier,
		network:   network,
		timelock:  tl,
		authToken: cfg.AuthToken,
		version:   cfg.Version,
		log:       log.Component("rpc"),
		handlers:  make(map[string]Handler),
	}
	s.registerHandlers()
	return s, nil
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Session methods
	s.handlers["session_create"] = s.sessionCreate
	s.handlers["session_get"] = s.sessionGet
	s.handlers["session_list"] = s.sessionList
	s.handlers["session_execute"] = s.sessionExecute
	s.handlers["session_cancel"] = s.sessionCancel

	// Pricing methods
	s.handlers["quote"] = s.quote
	s.handlers["prices_get"] = s.pricesGet

	// Service methods
	s.handlers["service_info"] = s.serviceInfo
	s.handlers["service_status"] = s.serviceStatus
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, tag := codeFor(err)
		var data interface{}
		if tag != "" {
			data = map[string]string{"code": tag}
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
