package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/credmesh/credmesh/pkg/logstore"
	"github.com/credmesh/credmesh/pkg/mesh"
	"github.com/credmesh/credmesh/pkg/observability"
	"github.com/credmesh/credmesh/pkg/problem"
)

// ReplicationRecord is one replicated log record in flight.
type ReplicationRecord struct {
	Kind    logstore.Kind   `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// PushRequest is a batch of records a peer replicates to us.
type PushRequest struct {
	SourceNode string              `json:"source_node"`
	Records    []ReplicationRecord `json:"records"`
}

// PushResponse acknowledges an accepted batch.
type PushResponse struct {
	Accepted  int    `json:"accepted"`
	ChainHead string `json:"chain_head,omitempty"`
}

// PullResponse carries records since a cursor.
type PullResponse struct {
	Records    []ReplicationRecord `json:"records"`
	NextCursor int64               `json:"next_cursor"`
}

// StatusResponse is one node's replication status.
type StatusResponse struct {
	Tenant    string `json:"tenant"`
	NodeID    string `json:"node_id"`
	ChainHead string `json:"chain_head"`
	LogSize   int    `json:"log_size"`
}

// PushPolicy inspects an inbound record; a non-empty return denies the push.
type PushPolicy func(tenant, node string, rec ReplicationRecord) string

// Server serves the replication endpoints for every node whose logs live in
// the local store.
type Server struct {
	store   *logstore.Store
	topo    *Topology
	policy  PushPolicy
	quota   Quota
	logger  *slog.Logger
	metrics *observability.Provider

	mu     sync.Mutex
	chains map[string]string // tenant/node -> last accepted seal hash
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPushPolicy installs a policy check on inbound records.
func WithPushPolicy(p PushPolicy) ServerOption { return func(s *Server) { s.policy = p } }

// WithQuota installs a shared rate quota on pushes.
func WithQuota(q Quota) ServerOption { return func(s *Server) { s.quota = q } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithMetrics counts replication exchanges on the metrics provider.
func WithMetrics(p *observability.Provider) ServerOption { return func(s *Server) { s.metrics = p } }

// NewServer builds a replication server over a log store and topology.
func NewServer(store *logstore.Store, topo *Topology, opts ...ServerOption) *Server {
	s := &Server{
		store:  store,
		topo:   topo,
		logger: slog.Default(),
		chains: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the replication endpoints on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /mesh/{tenant}/{node}/push", s.handlePush)
	mux.HandleFunc("GET /mesh/{tenant}/{node}/pull", s.handlePull)
	mux.HandleFunc("GET /mesh/{tenant}/{node}/status", s.handleStatus)
	mux.HandleFunc("GET /mesh/{tenant}/topology", s.handleTopology)
}

// Handler returns a mux with the replication endpoints mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	tenant, node := r.PathValue("tenant"), r.PathValue("node")

	if s.quota != nil {
		ok, err := s.quota.Allow(r.Context(), tenant, node, 1)
		if err != nil {
			problem.WriteInternal(w, err)
			return
		}
		if !ok {
			problem.WriteTooManyRequests(w, 1)
			return
		}
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.WriteBadRequest(w, "malformed push body")
		return
	}

	key := tenant + "/" + node
	s.mu.Lock()
	head := s.chains[key]
	s.mu.Unlock()

	// Validate the whole batch before appending anything.
	newHead := head
	for _, rec := range req.Records {
		if s.policy != nil {
			if detail := s.policy(tenant, node, rec); detail != "" {
				problem.WriteForbidden(w, detail)
				return
			}
		}
		if rec.Kind != logstore.KindSealChain {
			continue
		}
		var seal mesh.Seal
		if err := json.Unmarshal(rec.Payload, &seal); err != nil {
			problem.WriteBadRequest(w, "malformed seal record")
			return
		}
		want := newHead
		if want == "" {
			want = mesh.GenesisSeal
		}
		if seal.PrevSealHash != want {
			problem.WriteConflict(w, "seal does not extend the replicated chain")
			return
		}
		newHead = seal.SealHash
	}

	log, err := s.store.Log(tenant, node, logstore.KindReplication)
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}
	for _, rec := range req.Records {
		if err := log.Append(rec); err != nil {
			problem.WriteInternal(w, err)
			return
		}
	}

	s.mu.Lock()
	s.chains[key] = newHead
	s.mu.Unlock()

	s.logger.Info("accepted replication batch",
		"tenant", tenant, "node", node, "source", req.SourceNode, "records", len(req.Records))
	s.metrics.RecordReplication(r.Context(), "push", req.SourceNode)
	writeJSON(w, http.StatusOK, PushResponse{Accepted: len(req.Records), ChainHead: newHead})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	tenant, node := r.PathValue("tenant"), r.PathValue("node")

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			problem.WriteBadRequest(w, "since must be a non-negative cursor")
			return
		}
		since = v
	}

	log, err := s.store.Log(tenant, node, logstore.KindReplication)
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}
	it, err := log.Scan(since)
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}
	defer it.Close()

	resp := PullResponse{Records: []ReplicationRecord{}, NextCursor: since}
	for it.Next() {
		var rec ReplicationRecord
		if err := it.Decode(&rec); err != nil {
			problem.WriteInternal(w, err)
			return
		}
		resp.Records = append(resp.Records, rec)
		resp.NextCursor = it.Cursor()
	}
	if err := it.Err(); err != nil {
		problem.WriteInternal(w, err)
		return
	}
	s.metrics.RecordReplication(r.Context(), "pull", node)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant, node := r.PathValue("tenant"), r.PathValue("node")

	log, err := s.store.Log(tenant, node, logstore.KindReplication)
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}
	size, err := log.Count()
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}

	s.mu.Lock()
	head := s.chains[tenant+"/"+node]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, StatusResponse{
		Tenant: tenant, NodeID: node, ChainHead: head, LogSize: size,
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.topo.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
