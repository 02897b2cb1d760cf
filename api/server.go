// Package api exposes the HTTP surface: transaction submission and lookup,
// plus monitoring and admin controls over the queue and the store.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/request"
	"github.com/blocktimefinancial/refractor-sub000/signer"
	"github.com/blocktimefinancial/refractor-sub000/storage"
	"github.com/blocktimefinancial/refractor-sub000/txuri"
)

// hashRe gates GET lookups to 32-byte hex digests.
var hashRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Config tunes the server.
type Config struct {
	AdminKey      string   // required for admin endpoints when set
	CORSBlacklist []string // origins refused by CORS
	Logger        log.Logger
}

// Server wires the engine, store and queue behind the router.
type Server struct {
	engine *signer.Engine
	store  storage.Provider
	queue  *queue.Queue
	cfg    Config
	log    log.Logger
}

// NewServer builds the server.
func NewServer(engine *signer.Engine, store storage.Provider, q *queue.Queue, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("module", "api")
	}
	return &Server{engine: engine, store: store, queue: q, cfg: cfg, log: logger}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/tx", s.handleSubmit)
	r.GET("/tx/:hash", s.handleGet)
	r.GET("/monitoring/health", s.handleHealth)
	r.GET("/monitoring/metrics", s.handleMetrics)
	r.POST("/monitoring/queue/pause", s.admin(s.handleQueuePause))
	r.POST("/monitoring/queue/resume", s.admin(s.handleQueueResume))
	r.POST("/monitoring/queue/concurrency", s.admin(s.handleQueueConcurrency))
	r.POST("/monitoring/cleanup/expired", s.admin(s.handleCleanup))

	blacklist := make(map[string]bool, len(s.cfg.CORSBlacklist))
	for _, origin := range s.cfg.CORSBlacklist {
		blacklist[origin] = true
	}
	c := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool { return !blacklist[origin] },
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"*"},
	})
	return c.Handler(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("Request failed", "status", status, "err", err)
	} else {
		s.log.Debug("Request rejected", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrUnimplemented):
		return http.StatusNotImplemented
	case errors.Is(err, chain.ErrUnsupportedFeature):
		return http.StatusNotAcceptable
	case errors.Is(err, signer.ErrHashCollision):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrTransientBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrInvalidInput),
		errors.Is(err, chain.ErrUnsupportedEncoding),
		errors.Is(err, signer.ErrExpired),
		errors.Is(err, txuri.ErrNotTxURI),
		errors.Is(err, txuri.ErrMalformed),
		errors.Is(err, txuri.ErrUnknownBlockchain),
		errors.Is(err, txuri.ErrUnknownNetwork),
		errors.Is(err, txuri.ErrUnknownCAIPNetwork),
		errors.Is(err, txuri.ErrUnknownEncoding),
		errors.Is(err, txuri.ErrInvalidPayload),
		errors.Is(err, txuri.ErrEmptyPayload),
		errors.Is(err, request.ErrAmbiguousShape),
		errors.Is(err, request.ErrUnknownShape),
		errors.Is(err, request.ErrBadNetwork),
		errors.Is(err, request.ErrBadCallbackURL),
		errors.Is(err, request.ErrBadExpires),
		errors.Is(err, request.ErrMissingNetwork),
		errors.Is(err, request.ErrBadLegacyFormat):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var sub request.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", request.ErrUnknownShape, err))
		return
	}
	norm, err := request.Normalize(&sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Submit(r.Context(), norm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	storage.ApplyLegacyEcho(res.Record)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Record)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hash := ps.ByName("hash")
	if !hashRe.MatchString(hash) {
		s.writeError(w, fmt.Errorf("%w: hash must be 64 hex characters", chain.ErrInvalidInput))
		return
	}
	rec, err := s.store.FindTransaction(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	storage.ApplyLegacyEcho(rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	db := s.store.HealthCheck(r.Context())
	qs := s.queue.Stats()
	status := "ok"
	httpStatus := http.StatusOK
	if !db.Connected {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"db":     db,
		"queue":  qs,
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"db":    stats,
		"queue": s.queue.Stats(),
	})
}

// admin guards mutating monitoring endpoints with the configured key.
func (s *Server) admin(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.cfg.AdminKey == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin api disabled"})
			return
		}
		if r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad admin key"})
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.queue.Pause()
	s.log.Info("Queue paused by admin")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.queue.Resume()
	s.log.Info("Queue resumed by admin")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleQueueConcurrency(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Concurrency int `json:"concurrency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Concurrency <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "concurrency must be a positive integer"})
		return
	}
	s.queue.SetConcurrency(body.Concurrency)
	s.log.Info("Queue concurrency set by admin", "concurrency", body.Concurrency)
	writeJSON(w, http.StatusOK, map[string]int{"concurrency": s.queue.Stats().Concurrency})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := s.store.CleanupExpired(r.Context(), time.Now().Unix())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}
