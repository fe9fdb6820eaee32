package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/meterbook/meterbook/internal/remotestore"
)

const documentSchemaURL = "https://meterbook.dev/schemas/document-body.json"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

// Server exposes a DocumentStore over HTTP, one namespace per user.
type Server struct {
	docs        remotestore.DocumentStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	bodySchema  *jsonschema.Schema
	router      *mux.Router
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// DevJWTSecret signs and verifies tokens when no secret is configured. It is
// only fit for local development.
const DevJWTSecret = "dev-secret"

func NewServer(docs remotestore.DocumentStore) *Server {
	return NewServerWithConfig(docs, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(docs remotestore.DocumentStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DevJWTSecret
		cfg.Logger.Warn().Msg("no JWT secret configured, accepting tokens signed with the development secret")
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		docs:        docs,
		cfg:         cfg,
		rateLimiter: limiter,
		bodySchema:  MustCompileSchema(documentSchemaURL, documentBodySchema),
		log:         cfg.Logger.With().Str("component", "httpapi").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	// Match on the escaped path so ids containing "/" stay one segment.
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	data := router.PathPrefix("/v1/users/{userId}/data").Subrouter()
	data.Handle("", s.guard(ScopeRead, s.handleList)).Methods(http.MethodGet)
	data.Handle("/{docId}", s.guard(ScopeRead, s.handleGet)).Methods(http.MethodGet)
	data.Handle("/{docId}", s.guard(ScopeWrite, s.handleReplace)).Methods(http.MethodPut)
	data.Handle("/{docId}", s.guard(ScopeWrite, s.handleMerge)).Methods(http.MethodPatch)
	data.Handle("/{docId}", s.guard(ScopeWrite, s.handleDeleteDocument)).Methods(http.MethodDelete)
	data.Handle("/{docId}/fields/{field}", s.guard(ScopeWrite, s.handleDeleteField)).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type dataHandler func(w http.ResponseWriter, r *http.Request, userID, correlationID string)

// guard authenticates the caller for the user in the path, then applies the
// correlation id requirement and the rate limit.
func (s *Server) guard(requiredScope string, next dataHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		userID, ok := pathVar(r, "userId")
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed user id", getCorrelationID(r))
			return
		}
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next(w, r, userID, correlationID)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	docs, err := s.docs.ListDocuments(r.Context(), userID)
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	if docs == nil {
		docs = []remotestore.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	docID, ok := s.docID(w, r, correlationID)
	if !ok {
		return
	}
	fields, ok, err := s.docs.GetDocument(r.Context(), userID, docID)
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, remotestore.Document{ID: docID, Fields: fields})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	docID, ok := s.docID(w, r, correlationID)
	if !ok {
		return
	}
	fields, ok := s.decodeDocumentBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.docs.SetDocument(r.Context(), userID, docID, fields); err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	docID, ok := s.docID(w, r, correlationID)
	if !ok {
		return
	}
	fields, ok := s.decodeDocumentBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.docs.MergeDocument(r.Context(), userID, docID, fields); err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	docID, ok := s.docID(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.docs.DeleteDocument(r.Context(), userID, docID); err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteField(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	docID, ok := s.docID(w, r, correlationID)
	if !ok {
		return
	}
	field, ok := pathVar(r, "field")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed field name", correlationID)
		return
	}
	if err := s.docs.DeleteField(r.Context(), userID, docID, field); err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathVar returns the unescaped route variable name.
func pathVar(r *http.Request, name string) (string, bool) {
	value, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

func (s *Server) docID(w http.ResponseWriter, r *http.Request, correlationID string) (string, bool) {
	docID, ok := pathVar(r, "docId")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed document id", correlationID)
	}
	return docID, ok
}

func (s *Server) internalError(w http.ResponseWriter, err error, correlationID string) {
	s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("document store failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "document store failed", correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeDocumentBody(w http.ResponseWriter, r *http.Request, correlationID string) (map[string]json.RawMessage, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if err := ValidateJSON(s.bodySchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), correlationID)
		return nil, false
	}
	var payload struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	if payload.Fields == nil {
		payload.Fields = map[string]json.RawMessage{}
	}
	return payload.Fields, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
