package node

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/logging"
	"github.com/myriadmesh/myriadmesh/internal/privacy"
)

// priorityFromQuery maps ?priority= (emergency|high|normal|low|background)
// to a codec.Priority, defaulting to Normal.
func priorityFromQuery(r *http.Request) codec.Priority {
	switch r.URL.Query().Get("priority") {
	case "emergency":
		return codec.PriorityEmergency
	case "high":
		return codec.PriorityHigh
	case "low":
		return codec.PriorityLow
	case "background":
		return codec.PriorityBackground
	default:
		return codec.PriorityNormal
	}
}

// AdminSurface is the §6 admin/query surface consumed by the companion
// daemon, split the way the teacher splits server-public.go (peer-facing,
// binds the NIC IP) from server-control.go (loopback-only, mutating
// operations and anything security-sensitive) rather than collapsing both
// into one handler.
type AdminSurface struct {
	node *Node
}

// NewAdminSurface builds the admin surface over node.
func NewAdminSurface(n *Node) *AdminSurface {
	return &AdminSurface{node: n}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseNodeID(s string) (identity.NodeID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != identity.NodeIDSize {
		return identity.NodeID{}, false
	}
	var id identity.NodeID
	copy(id[:], b)
	return id, true
}

// PublicHandler exposes only what a peer needs to probe liveness — no
// observability or mutating endpoint lives here, mirroring the teacher's
// NIC-bound server but without server-public.go's application-layer
// /fetch, /replicate and /dht/* routes, which are out of scope per §1's
// Non-goals.
func (s *AdminSurface) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"node_id": hex.EncodeToString(s.node.Identity.NodeID[:]), "time": time.Now().UTC()})
	})
	log := logging.For(s.node.log, logging.ComponentAdmin)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		log.WithFields(map[string]any{"method": r.Method, "path": r.URL.Path, "from": ip}).Debug("public request")
		mux.ServeHTTP(w, r)
	})
}

// ControlHandler exposes the §6 admin/query surface: read-only observables
// (status, routing-table summary, per-adapter queue depths, dedup/offline
// cache sizes, cover-traffic rate, reputation) and mutating operations
// (enqueue outbound message, establish a channel, anonymous send, revoke a
// token, blacklist/unblacklist a NodeID) — loopback-only, the same
// defense-in-depth guard as the teacher's ControlHandler. /bucket-refresh
// reports which buckets are stale; it does not query them. There are no
// operations to start or stop an adapter, grant a token, or force a key
// rotation.
func (s *AdminSurface) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	n := s.node

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"node_id": hex.EncodeToString(n.Identity.NodeID[:]),
			"time":    time.Now().UTC(),
		})
	})

	mux.HandleFunc("/routing-table", func(w http.ResponseWriter, r *http.Request) {
		peers := n.RoutingTable.Closest(n.Identity.NodeID, 1<<16)
		summary := make([]map[string]any, 0, len(peers))
		for _, p := range peers {
			summary = append(summary, map[string]any{
				"node_id":    hex.EncodeToString(p.NodeID[:]),
				"reputation": p.Reputation,
				"last_seen":  p.LastSeen,
				"failures":   p.FailureCount,
			})
		}
		writeJSON(w, map[string]any{"count": len(summary), "peers": summary})
	})

	mux.HandleFunc("/adapters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"adapters":     n.Router.AdapterNames(),
			"queue_depths": n.Router.QueueDepths(),
		})
	})

	mux.HandleFunc("/cache-stats", func(w http.ResponseWriter, r *http.Request) {
		destinations, bytes := n.Router.OfflineCacheSize()
		rate := 0.0
		if n.cfg != nil {
			rate = n.cfg.CoverTrafficRate
		}
		writeJSON(w, map[string]any{
			"dedup_entries":          n.Router.DedupSize(),
			"offline_cache_destinations": destinations,
			"offline_cache_bytes":   bytes,
			"cover_traffic_rate":    rate,
		})
	})

	mux.HandleFunc("/bucket-refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "use POST", http.StatusMethodNotAllowed)
			return
		}
		stale := n.RoutingTable.StaleBuckets(n.bucketRefreshInterval())
		writeJSON(w, map[string]any{"status": "ok", "stale_buckets": stale})
	})

	mux.HandleFunc("/blacklist", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseNodeID(r.URL.Query().Get("node_id"))
		if !ok {
			http.Error(w, "missing or malformed ?node_id= (hex, 64 bytes)", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPost:
			n.Blacklist(id)
		case http.MethodDelete:
			n.Unblacklist(id)
		default:
			http.Error(w, "use POST or DELETE", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "blacklisted": n.IsBlacklisted(id)})
	})

	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		issuer, ok := parseNodeID(r.URL.Query().Get("issuer"))
		if !ok {
			http.Error(w, "missing or malformed ?issuer=", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodDelete:
			n.Tokens.Delete(issuer)
			writeJSON(w, map[string]any{"status": "ok"})
		default:
			http.Error(w, "use DELETE to revoke; tokens are granted out-of-band via capability exchange", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "use POST", http.StatusMethodNotAllowed)
			return
		}
		dest, ok := parseNodeID(r.URL.Query().Get("to"))
		if !ok {
			http.Error(w, "missing or malformed ?to=", http.StatusBadRequest)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
		outcome, err := n.Router.Send(r.Context(), payload, dest, priorityFromQuery(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "outcome": int(outcome)})
	})

	mux.HandleFunc("/establish-channel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "use POST", http.StatusMethodNotAllowed)
			return
		}
		peer, ok := parseNodeID(r.URL.Query().Get("peer"))
		if !ok {
			http.Error(w, "missing or malformed ?peer=", http.StatusBadRequest)
			return
		}
		if err := n.EstablishChannel(r.Context(), peer); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "state": "requested"})
	})

	mux.HandleFunc("/send-anonymous", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "use POST", http.StatusMethodNotAllowed)
			return
		}
		dest, ok := parseNodeID(r.URL.Query().Get("to"))
		if !ok {
			http.Error(w, "missing or malformed ?to=", http.StatusBadRequest)
			return
		}
		hopCount := privacy.DefaultHopCount
		if q := r.URL.Query().Get("hops"); q != "" {
			if v, err := strconv.Atoi(q); err == nil {
				hopCount = v
			}
		}
		policy := privacy.HopPolicy(r.URL.Query().Get("policy"))
		if policy == "" {
			policy = privacy.PolicyBalanced
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
		if err := n.SendAnonymous(r.Context(), payload, dest, hopCount, policy); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/reputation", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseNodeID(r.URL.Query().Get("node_id"))
		if !ok {
			http.Error(w, "missing or malformed ?node_id=", http.StatusBadRequest)
			return
		}
		rep := n.Reputation.Get(id)
		writeJSON(w, map[string]any{
			"node_id":     r.URL.Query().Get("node_id"),
			"score":       rep.Score,
			"relay_count": rep.RelayCount,
			"trustworthy": rep.IsTrustworthy(),
		})
	})

	log := logging.For(n.log, logging.ComponentAdmin)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "local-only", http.StatusForbidden)
			return
		}
		log.WithFields(map[string]any{"method": r.Method, "path": r.URL.Path}).Debug("control request")
		mux.ServeHTTP(w, r)
	})
}

func (n *Node) bucketRefreshInterval() time.Duration {
	if n.cfg != nil {
		return n.cfg.BucketRefresh
	}
	return time.Hour
}
