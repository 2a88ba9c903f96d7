// Package api is the HTTP surface: read endpoints for polling clients,
// changeset submission, health, metrics and loopback-only admin calls.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
	"worldledger.ai/internal/syncproto"
	"worldledger.ai/internal/transport/limit"
)

const maxBodyBytes = 1 << 20

type Sequencer interface {
	Submit(ctx context.Context, cs changeset.Changeset) protocol.Result
	SubmitAsync(cs changeset.Changeset) (string, protocol.Result, bool)
	Result(id string) (protocol.Result, bool)
	RequestSnapshot(ctx context.Context) (uint64, error)
}

type Options struct {
	Store     *store.Store
	Sequencer Sequencer
	Worlds    *worlds.Registry
	Limiter   *limit.Limiter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// WebSocket serves /v1/ws when set.
	WebSocket   http.Handler
	EnableAdmin bool
	Logger      *log.Logger
}

type Server struct {
	opts Options
	log  *log.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{opts: opts, log: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/delta", s.handleDelta)
	mux.HandleFunc("GET /v1/worlds", s.handleWorlds)
	mux.HandleFunc("POST /v1/changesets", s.handleSubmit)
	mux.HandleFunc("GET /v1/changesets/{id}", s.handleResult)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.WebSocket != nil {
		mux.Handle("/v1/ws", s.opts.WebSocket)
	}
	if s.opts.EnableAdmin {
		mux.HandleFunc("POST /admin/v1/worlds/reload", loopbackOnly(s.handleReload))
		mux.HandleFunc("POST /admin/v1/snapshot", loopbackOnly(s.handleAdminSnapshot))
	} else {
		s.log.Printf("admin endpoints disabled (WL_ENABLE_ADMIN_HTTP=false)")
	}
	return mux
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if reason, ro := s.opts.Store.ReadOnly(); ro {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{
			"ok":        false,
			"read_only": true,
			"reason":    reason,
			"seq":       s.opts.Store.Current().Seq,
		})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "seq": s.opts.Store.Current().Seq})
}

func (s *Server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	reason, ro := s.opts.Store.ReadOnly()
	writeJSON(rw, http.StatusOK, syncproto.CurrentSnapshot(s.opts.Store.Current(), reason, ro))
}

// handleDelta reads the client's known versions from the query string,
// one parameter per document: /v1/delta?agents=3&actions=40.
func (s *Server) handleDelta(rw http.ResponseWriter, r *http.Request) {
	known := map[string]uint64{}
	for doc, vals := range r.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		v, err := strconv.ParseUint(vals[len(vals)-1], 10, 64)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "bad version for "+doc)
			return
		}
		known[doc] = v
	}
	_, ro := s.opts.Store.ReadOnly()
	writeJSON(rw, http.StatusOK, syncproto.ChangesSince(s.opts.Store.Current(), known, ro))
}

type worldsResp struct {
	DefaultWorldID string              `json:"default_world_id"`
	Worlds         []protocol.WorldRef `json:"worlds"`
}

func (s *Server) handleWorlds(rw http.ResponseWriter, r *http.Request) {
	cfg := s.opts.Worlds.Current()
	writeJSON(rw, http.StatusOK, worldsResp{DefaultWorldID: cfg.DefaultWorldID, Worlds: cfg.Manifest()})
}

func (s *Server) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	var cs changeset.Changeset
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&cs); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "bad changeset json: "+err.Error())
		return
	}
	if !s.opts.Limiter.Allow(cs.ProposerID) {
		res := protocol.RejectedResult(cs.ID, cs.Kind, protocol.Reject(protocol.ErrRateLimit, "proposer %q is over its submission rate", cs.ProposerID))
		writeJSON(rw, http.StatusTooManyRequests, res)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		id, res, _ := s.opts.Sequencer.SubmitAsync(cs)
		rw.Header().Set("Location", "/v1/changesets/"+id)
		writeJSON(rw, StatusFor(res), res)
		return
	}
	res := s.opts.Sequencer.Submit(r.Context(), cs)
	writeJSON(rw, StatusFor(res), res)
}

func (s *Server) handleResult(rw http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	res, ok := s.opts.Sequencer.Result(id)
	if !ok {
		writeError(rw, http.StatusNotFound, protocol.ErrNotFound, "no recent result for "+id)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) handleReload(rw http.ResponseWriter, r *http.Request) {
	cfg, err := s.opts.Worlds.Reload()
	if err != nil {
		s.log.Printf("worlds reload: %v", err)
		writeJSON(rw, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.log.Printf("worlds reloaded from %s (%d worlds)", s.opts.Worlds.Path(), len(cfg.Worlds))
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "worlds": cfg.Manifest()})
}

func (s *Server) handleAdminSnapshot(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	seq, err := s.opts.Sequencer.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "seq": seq, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "seq": seq})
}

// StatusFor maps a submission result to its HTTP status.
func StatusFor(res protocol.Result) int {
	switch res.Status {
	case protocol.StatusCommitted:
		return http.StatusOK
	case protocol.StatusPending:
		return http.StatusAccepted
	}
	switch res.Code {
	case protocol.ErrProtoBadRequest:
		return http.StatusBadRequest
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrReadOnly, protocol.ErrValidationTimeout:
		return http.StatusServiceUnavailable
	case protocol.ErrStaleConflict:
		return http.StatusConflict
	case protocol.ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
}
