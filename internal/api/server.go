// Package api exposes the HTTP boundary: secret creation, one-time
// retrieval, health checking, rate limiting and request middleware. The
// lifecycle semantics live in internal/secrets; everything here is
// transport plumbing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"secretmsg/internal/config"
	"secretmsg/internal/crypto"
	"secretmsg/internal/ratelimit"
	"secretmsg/internal/secrets"
	"secretmsg/internal/storage"
)

// maxBodyBytes caps request bodies. Secrets are short messages; anything
// bigger is abuse.
const maxBodyBytes = 64 * 1024

const requestTimeout = 5 * time.Second

type Server struct {
	cfg     config.Config
	secrets *secrets.Service

	limiter *ratelimit.Limiter

	mux *http.ServeMux
}

func NewServer(cfg config.Config, svc *secrets.Service) *Server {
	mux := http.NewServeMux()

	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 600
	}

	s := &Server{
		cfg:     cfg,
		secrets: svc,
		// Per-IP limit matching the configured requests/minute, with a
		// small burst so page-load bursts are not punished.
		limiter: ratelimit.New(float64(perMinute)/60.0, 10),
		mux:     mux,
	}

	// Sweep every 2 minutes, evict buckets after 10 minutes idle.
	s.limiter.StartGC(2*time.Minute, 10*time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("POST /secrets/{secret_key}", s.handleRetrieve)

	// Wrong methods on known paths get a JSON 405 instead of the mux default.
	mux.HandleFunc("/generate", methodNotAllowed)
	mux.HandleFunc("/secrets/{secret_key}", methodNotAllowed)

	return s
}

func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux)
}

// Close stops background goroutines (rate limiter GC). Safe to call multiple times.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		rateLimited(w)
		return
	}

	var req GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		unprocessable(w, "text is required")
		return
	}
	if req.Password == "" {
		unprocessable(w, "password is required")
		return
	}

	lifetime, err := secrets.ParseLifetime(req.LifeTime, req.TimeMeasure, s.cfg.DefaultLifetime)
	if err != nil {
		// ParseLifetime errors are caller-facing and spell out which rule
		// was broken (pairing, sign, unknown unit).
		unprocessable(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := s.secrets.Create(ctx, req.Text, req.Password, lifetime)
	if err != nil {
		slog.Error("create secret error", "err", err)
		internalServerError(w)
		return
	}

	writeJSON(w, http.StatusCreated, GenerateResponse{SecretKey: id})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		rateLimited(w)
		return
	}

	id := r.PathValue("secret_key")

	// Reject malformed keys before decoding the body or touching the store.
	if err := secrets.ValidateID(id); err != nil {
		unprocessable(w, "malformed secret key")
		return
	}

	var req RetrieveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		unprocessable(w, "password is required")
		return
	}

	text, err := s.secrets.Retrieve(r.Context(), id, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RetrieveResponse{Text: text})
	case errors.Is(err, storage.ErrNotFound):
		notFound(w)
	case errors.Is(err, secrets.ErrWrongPassword):
		forbidden(w, "wrong password")
	case errors.Is(err, secrets.ErrExpired):
		forbidden(w, "the life of the secret has expired")
	case errors.Is(err, crypto.ErrDecryptionFailed):
		// Stored ciphertext failed its integrity check: data corruption,
		// not a caller mistake. The record is already gone.
		slog.Error("secret decryption failed", "err", err)
		internalServerError(w)
	default:
		slog.Error("retrieve secret error", "err", err)
		internalServerError(w)
	}
}

// decodeJSON enforces content type, body size and strict JSON decoding.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if !isJSONContentType(r) {
		badRequest(w, "content-type must be application/json")
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		unprocessable(w, mapDecodeError(err))
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		unprocessable(w, "invalid json")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	// Trust proxy headers only from loopback (nginx/reverse proxy on same host).
	if host == "127.0.0.1" || host == "::1" {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost IP is the original client.
			if i := strings.IndexByte(xff, ','); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
	}

	return host
}
