package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/valyala/fasthttp"
)

const (
	apiKeyHeader  = "X-API-Key"
	checkPrefix   = "/check/"
	maxHashLength = 128
)

type V1KeyParams struct {
	Key string `json:"key"`
}

type V1KeyResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

type V1ExistsResponse struct {
	Key     string        `json:"key"`
	Exists  bool          `json:"exists"`
	Elapsed time.Duration `json:"elapsed"`
}

type CheckResponse struct {
	Hash                 string `json:"hash"`
	IsMaliciousCandidate bool   `json:"is_malicious_candidate"`
}

type V1StatsResponse struct {
	InstanceID   string      `json:"instance_id"`
	Filter       FilterStats `json:"filter"`
	StoredHashes int         `json:"stored_hashes"`
}

// Server exposes the filter over HTTP: lookups for scanners, and
// authenticated ingestion and removal for feed importers.
type Server struct {
	config *Config
	filter *CuckooFilter
	store  *HashStore
	logger hclog.Logger
	srv    *fasthttp.Server
}

func NewServer(config *Config, filter *CuckooFilter, store *HashStore, logger hclog.Logger) *Server {
	s := &Server{
		config: config,
		filter: filter,
		store:  store,
		logger: logger.Named("server"),
	}
	s.srv = &fasthttp.Server{
		Handler:     s.handle,
		Name:        "cuckoo",
		Concurrency: config.Server.Concurrency,
		ReadTimeout: config.Server.ReadTimeout,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("starting server", "address", "http://"+addr)
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/":
		homeHandler(ctx)
	case path == "/v1/exists":
		s.v1ExistsHandler(ctx)
	case path == "/v1/insert":
		s.v1InsertHandler(ctx)
	case path == "/v1/remove":
		s.v1RemoveHandler(ctx)
	case path == "/v1/stats":
		s.v1StatsHandler(ctx)
	case strings.HasPrefix(path, checkPrefix):
		s.checkHandler(ctx, strings.TrimPrefix(path, checkPrefix))
	default:
		notFoundHandler(ctx)
	}
}

func homeHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody([]byte("Cuckoo is up and running"))
}

func notFoundHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	ctx.SetBody([]byte("Not found"))
}

func methodNotAllowed(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	ctx.SetBody([]byte("Method not allowed"))
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetBody([]byte(msg))
}

func writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// normalizeHash lower-cases a hex digest and rejects anything that is not one.
func normalizeHash(raw string) (string, bool) {
	hash := strings.ToLower(strings.TrimSpace(raw))
	if hash == "" || len(hash) > maxHashLength {
		return "", false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", false
		}
	}
	return hash, true
}

func (s *Server) authorized(ctx *fasthttp.RequestCtx) bool {
	got := ctx.Request.Header.Peek(apiKeyHeader)
	return subtle.ConstantTimeCompare(got, []byte(s.config.Server.APIKey)) == 1
}

func (s *Server) v1ExistsHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}

	key, ok := normalizeHash(string(ctx.QueryArgs().Peek("key")))
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "Key must be a hex digest")
		return
	}

	start := time.Now()
	exists := s.filter.Contains(key)
	writeJSON(ctx, V1ExistsResponse{Key: key, Exists: exists, Elapsed: time.Since(start)})
}

func (s *Server) checkHandler(ctx *fasthttp.RequestCtx, raw string) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}

	hash, ok := normalizeHash(raw)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "Hash must be a hex digest")
		return
	}

	present := s.filter.Contains(hash)
	s.logger.Debug("checked hash", "hash", hash, "result", present)
	writeJSON(ctx, CheckResponse{Hash: hash, IsMaliciousCandidate: present})
}

// parseKey validates method, API key and body of a mutation request.
func (s *Server) parseKey(ctx *fasthttp.RequestCtx) (string, bool) {
	if !ctx.IsPost() {
		methodNotAllowed(ctx)
		return "", false
	}
	if !s.authorized(ctx) {
		writeError(ctx, fasthttp.StatusUnauthorized, "Invalid API key")
		return "", false
	}

	var params V1KeyParams
	if err := json.Unmarshal(ctx.PostBody(), &params); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return "", false
	}
	if params.Key == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "Key is required")
		return "", false
	}

	key, ok := normalizeHash(params.Key)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "Key must be a hex digest")
		return "", false
	}
	return key, true
}

func (s *Server) v1InsertHandler(ctx *fasthttp.RequestCtx) {
	key, ok := s.parseKey(ctx)
	if !ok {
		return
	}

	created, err := s.store.Save(key)
	if err != nil {
		s.logger.Error("failed to store hash", "hash", key, "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	// A stored hash missing from the filter is one an earlier insert could
	// not place; retry it.
	if !created && s.filter.Contains(key) {
		writeJSON(ctx, V1KeyResponse{Key: key, Status: "duplicate"})
		return
	}

	if err := s.filter.Insert(key); err != nil {
		if errors.Is(err, ErrCapacityExhausted) {
			s.logger.Warn("filter saturated, hash stored but will not be flagged",
				"hash", key, "size", s.filter.Size(), "slots", s.filter.Capacity(), "error", err)
			writeError(ctx, fasthttp.StatusInsufficientStorage, err.Error())
			return
		}
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Debug("inserted hash", "hash", key)
	writeJSON(ctx, V1KeyResponse{Key: key, Status: "inserted"})
}

func (s *Server) v1RemoveHandler(ctx *fasthttp.RequestCtx) {
	key, ok := s.parseKey(ctx)
	if !ok {
		return
	}

	// Only hashes known to the store are removed from the filter, so an
	// unknown hash cannot evict a colliding fingerprint.
	known, err := s.store.Exists(key)
	if err != nil {
		s.logger.Error("failed to look up hash", "hash", key, "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if !known {
		writeJSON(ctx, V1KeyResponse{Key: key, Status: "not_found"})
		return
	}

	deleted, err := s.store.Delete(key)
	if err != nil {
		s.logger.Error("failed to delete hash", "hash", key, "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		// Deleted by a concurrent request between the two transactions.
		writeJSON(ctx, V1KeyResponse{Key: key, Status: "not_found"})
		return
	}

	if !s.filter.Remove(key) {
		s.logger.Warn("removed hash was not in the filter", "hash", key)
	} else {
		s.logger.Debug("removed hash", "hash", key)
	}
	writeJSON(ctx, V1KeyResponse{Key: key, Status: "removed"})
}

func (s *Server) v1StatsHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}

	stored, err := s.store.Count()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(ctx, V1StatsResponse{
		InstanceID:   s.config.Server.InstanceID,
		Filter:       s.filter.Stats(),
		StoredHashes: stored,
	})
}
