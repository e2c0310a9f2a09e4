package api

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hashmesh/meshcore/infrastructure/httputil"
	"github.com/hashmesh/meshcore/infrastructure/service"
	"github.com/hashmesh/meshcore/internal/mesh/types"
	"github.com/hashmesh/meshcore/pkg/version"
)

// urlQuery adapts url.Values to the queryGetter interface used by
// filterFromQuery, keeping the filter-building logic free of net/http.
type urlQuery struct{ r *http.Request }

func (q urlQuery) get(key string) string      { return q.r.URL.Query().Get(key) }
func (q urlQuery) values(key string) []string { return q.r.URL.Query()[key] }

func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), httpTimeout)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo implements GET /info: a quick operator-facing snapshot of
// node identity and registry size, independent of the probe/health
// surface.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	services := s.rt.Registry.AllServices()
	stats := service.NewStatsCollector().
		Add("version", version.Version).
		Add("uptime", time.Since(s.startedAt).String()).
		Add("services", len(services)).
		AddIf(s.rt.Config().API.StateSigningKey != "", "peer_sync_secured", true).
		Build()
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// checkRegistry backs the /healthz/deep "registry" component: the
// registry itself has no external dependency to ping, so this reports
// degraded only when events are being dropped off subscriber queues
// (§5's bounded-channel backpressure signal).
func (s *Server) checkRegistry(ctx context.Context) *service.ComponentHealth {
	dropped := s.rt.Registry.EventsDropped()
	status := "healthy"
	msg := ""
	if dropped > 0 {
		status = "degraded"
		msg = fmt.Sprintf("%d subscriber events dropped since start", dropped)
	}
	return &service.ComponentHealth{
		Status:  status,
		Message: msg,
		Details: map[string]any{
			"services": len(s.rt.Registry.AllServices()),
			"dropped":  dropped,
		},
	}
}

// handleRegister implements POST /registry/instances (§6).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	inst := req.toInstance()
	if err := s.rt.Registry.Register(inst); err != nil {
		s.writeErr(w, r, err)
		return
	}
	// Register fills InstanceID in place when the caller omitted one;
	// re-fetch to return the registry's authoritative copy (status,
	// timestamps) rather than the caller's pre-registration view.
	stored, err := s.rt.Registry.Get(inst.InstanceID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, stored)
}

// handleHeartbeat implements POST /registry/instances/{id}/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.rt.Registry.Heartbeat(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePatch implements PATCH /registry/instances/{id}: status and/or
// metadata updates, applied independently per §4.2.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req patchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Status != nil {
		if err := s.rt.Registry.UpdateStatus(id, types.ServiceStatus(*req.Status)); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	if len(req.Metadata) > 0 {
		if err := s.rt.Registry.UpdateMetadata(id, req.Metadata); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	inst, err := s.rt.Registry.Get(id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

// handleDeregister implements DELETE /registry/instances/{id}.
func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if err := s.rt.Registry.Deregister(id, reason); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleListService implements GET /registry/services/{name}.
func (s *Server) handleListService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	filter := filterFromQuery(urlQuery{r})
	instances := s.rt.Registry.List(name, filter)
	if instances == nil {
		instances = []*types.ServiceInstance{}
	}
	httputil.WriteJSON(w, http.StatusOK, instances)
}

// handleState implements GET /registry/state: a signed snapshot blob for
// peer sync, per §6's persisted state layout. The HMAC-SHA256 signature
// (when MESH_STATE_SIGNING_KEY is configured) travels in a response
// header rather than the body so the body stays the exact bytes peersync
// unmarshals, preserving byte-exact hashing (SPEC_FULL §6). Snapshots over
// the configured compression threshold are deflated, matching what
// peersync.HTTPTransport.FetchState already decodes on the client side
// (SPEC_FULL §4.8).
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.authorizePeer(w, r) {
		return
	}
	blob, err := s.rt.Registry.Snapshot()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if key := s.rt.Config().API.StateSigningKey; key != "" {
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(blob)
		w.Header().Set("X-Mesh-State-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	threshold := s.rt.Config().PeerSync.CompressionThreshold
	w.Header().Set("Content-Type", "application/json")
	if threshold > 0 && len(blob) > threshold {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(blob); err == nil && zw.Close() == nil {
			w.Header().Set("Content-Encoding", "deflate")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(buf.Bytes())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// handleStateHash implements GET /registry/state/hash.
func (s *Server) handleStateHash(w http.ResponseWriter, r *http.Request) {
	if !s.authorizePeer(w, r) {
		return
	}
	hash, err := s.rt.Registry.StateHash()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

// authorizePeer enforces the shared-secret header named in §4.8's
// security interface when a signing key is configured; transport
// security (TLS) remains the caller's responsibility.
func (s *Server) authorizePeer(w http.ResponseWriter, r *http.Request) bool {
	key := s.rt.Config().API.StateSigningKey
	if key == "" {
		return true
	}
	if r.Header.Get("X-Mesh-Peer-Secret") != key {
		httputil.Unauthorized(w, "peer secret required")
		return false
	}
	return true
}

// handleResolve implements POST /resolve (§6), dispatching to the
// resolution engine (C6).
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Service == "" {
		badRequest(w, r, "service is required")
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	strat := strategyFromName(req.Strategy)
	inst, err := s.rt.Resolver.Resolve(ctx, req.Service, req.Filter.toFilter(), strat, req.ClientContext.toClientContext())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}
