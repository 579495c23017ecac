// Package node wires every layer (identity, DHT, adapters, router,
// privacy, ledger, persistence) into one running daemon, the Go-native
// counterpart of the teacher's main.go + Server (server-control.go/
// server-public.go): flags and bootstrap happen in cmd/myriadmeshd, this
// package owns the constructed object graph and its background tasks
// (§5 "no global singletons; all state is held behind explicit references
// in a constructed Node object").
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/myriadmesh/myriadmesh/internal/adapter"
	"github.com/myriadmesh/myriadmesh/internal/channel"
	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/config"
	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/ledger"
	"github.com/myriadmesh/myriadmesh/internal/logging"
	"github.com/myriadmesh/myriadmesh/internal/persistence"
	"github.com/myriadmesh/myriadmesh/internal/privacy"
	"github.com/myriadmesh/myriadmesh/internal/router"
)

// Node is the assembled daemon: one long-term identity, one routing table
// and value store, one router with N registered adapters, and the privacy
// and ledger subsystems layered on top.
type Node struct {
	cfg *config.Config
	log *logrus.Logger

	Identity *identity.Identity
	Dual     *privacy.DualIdentity
	OnionKey privacy.OnionKeypair

	RoutingTable *dht.RoutingTable
	Store        *dht.Store
	Reputation   *dht.Tracker

	Router   *router.Router
	Channels *channel.Manager
	adapters map[string]adapter.Adapter

	LedgerSink ledger.Sink
	Persist    persistence.Sink
	Tokens     *privacy.TokenStore
	Cover      *privacy.CoverScheduler

	mu       sync.Mutex
	blacklist map[identity.NodeID]bool

	lookupsMu sync.Mutex
	lookups   map[identity.NodeID]*lookupState

	valueMu      sync.Mutex
	valueWaiters map[[32]byte]chan dht.FindValueResponse

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options bundles the already-constructed pieces a caller wires together
// before New, the way the teacher's main.go builds identity/keys/peerstore
// before calling newServer.
type Options struct {
	Config     *config.Config
	Log        *logrus.Logger
	Identity   *identity.Identity
	Dual       *privacy.DualIdentity
	OnionKey   *privacy.OnionKeypair
	LedgerSink ledger.Sink
	Persist    persistence.Sink
}

// New assembles a Node from already-constructed components. It does not
// start any background task or adapter; call Start for that.
func New(opts Options) *Node {
	if opts.Log == nil {
		opts.Log = logging.Default()
	}
	if opts.LedgerSink == nil {
		opts.LedgerSink = ledger.NopSink{}
	}
	if opts.Persist == nil {
		opts.Persist = persistence.NewMemorySink()
	}

	n := &Node{
		cfg:          opts.Config,
		log:          opts.Log,
		Identity:     opts.Identity,
		Dual:         opts.Dual,
		RoutingTable: dht.NewRoutingTable(opts.Identity.NodeID),
		Store:        dht.NewStore(100_000, 256<<20),
		Reputation:   dht.NewTracker(),
		Channels:     channel.NewManager(opts.Identity),
		adapters:     make(map[string]adapter.Adapter),
		LedgerSink:   opts.LedgerSink,
		Persist:      opts.Persist,
		Tokens:       privacy.NewTokenStore(),
		blacklist:    make(map[identity.NodeID]bool),
		lookups:      make(map[identity.NodeID]*lookupState),
		valueWaiters: make(map[[32]byte]chan dht.FindValueResponse),
	}
	if opts.OnionKey != nil {
		n.OnionKey = *opts.OnionKey
	} else if key, err := privacy.NewOnionKeypair(); err == nil {
		n.OnionKey = key
	} else {
		logging.For(opts.Log, logging.ComponentNode).WithError(err).Error("onion keypair generation failed")
	}
	n.Router = router.New(opts.Identity, n, n, n, opts.LedgerSink)
	n.Router.SetChannelResolver(n)
	n.Router.SetGeoResolver(n)
	if opts.Config != nil && opts.Config.CoverTrafficRate > 0 {
		n.Cover = privacy.NewCoverScheduler(opts.Config.CoverTrafficRate, n.sendCoverPayload)
	}
	return n
}

// RegisterAdapter wires a to both the router's send path and this node's
// own adapter registry, then starts its RX loop under the node's lifetime.
func (n *Node) RegisterAdapter(ctx context.Context, name string, a adapter.Adapter) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	n.adapters[name] = a
	n.mu.Unlock()
	n.Router.RegisterAdapter(name, a)

	n.wg.Add(1)
	go n.rxLoop(ctx, name, a)
	return nil
}

func (n *Node) rxLoop(ctx context.Context, adapterName string, a adapter.Adapter) {
	defer n.wg.Done()
	log := logging.For(n.log, logging.ComponentAdapter).WithField("adapter", adapterName)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-a.Incoming():
			if !ok {
				return
			}
			outcome, err := n.Router.HandleInbound(ctx, adapterName, in.Frame)
			if err != nil {
				log.WithError(err).Debug("inbound rejected")
				continue
			}
			log.WithField("outcome", outcome).Trace("inbound handled")
		}
	}
}

// Start launches the queue processors, bucket-refresh timer, offline-cache
// sweep, and cover-traffic scheduler (if configured) — the teacher's
// startBroadcaster/startListener/startAutoSavePeersLoop goroutine group,
// generalized to this daemon's own background tasks (§5 "independent tasks
// joined at shutdown").
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	for _, name := range n.Router.AdapterNames() {
		name := name
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.queueLoop(ctx, name)
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.bucketRefreshLoop(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.offlineSweepLoop(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.announceLoop(ctx)
	}()

	if n.Cover != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.Cover.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.For(n.log, logging.ComponentPrivacy).WithError(err).Warn("cover traffic scheduler stopped")
			}
		}()
	}
}

// Stop cancels every background task, waits for them, and stops each
// adapter. It does not flush the outbound queues, and it does not persist
// the offline cache or the token store.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for _, a := range n.adapters {
		if err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Node) queueLoop(ctx context.Context, adapterName string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Router.ProcessQueue(ctx, adapterName)
		}
	}
}

func (n *Node) bucketRefreshLoop(ctx context.Context) {
	interval := dht.BucketRefreshAge
	if n.cfg != nil {
		interval = n.cfg.BucketRefresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.RoutingTable.StaleBuckets(interval)
		}
	}
}

func (n *Node) offlineSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Router.SweepOffline(ctx, n.Router.OfflineDestinations())
		}
	}
}

// announceLoop republishes this node's onion pubkey and (if configured)
// geographic position to the DHT on RecordTTL/2 cadence, so both stay
// discoverable well before their record expires (§4.7 step 3, §4.8).
func (n *Node) announceLoop(ctx context.Context) {
	n.publishOnionPub(ctx)
	n.publishLocation(ctx)

	ticker := time.NewTicker(dht.RecordTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.publishOnionPub(ctx)
			n.publishLocation(ctx)
		}
	}
}

func (n *Node) sendCoverPayload(ctx context.Context, payload []byte) error {
	candidates := n.RoutingTable.Closest(n.Identity.NodeID, 1)
	if len(candidates) == 0 {
		return nil
	}
	_, err := n.Router.Send(ctx, payload, candidates[0].NodeID, codec.PriorityBackground)
	return err
}

// ResolvePublicKey implements router.PublicKeyResolver via the routing
// table (§4.4: "obtainable from an established channel, a preceding
// KeyExchange, or a DHT query").
func (n *Node) ResolvePublicKey(ctx context.Context, id identity.NodeID) ([]byte, bool) {
	matches := n.RoutingTable.Closest(id, 1)
	if len(matches) == 1 && matches[0].NodeID == id {
		return matches[0].PublicKey, true
	}
	return nil, false
}

// Resolve implements router.DestinationResolver via the routing table.
func (n *Node) Resolve(ctx context.Context, id identity.NodeID) (dht.PublicNodeInfo, bool) {
	n.mu.Lock()
	blacklisted := n.blacklist[id]
	n.mu.Unlock()
	if blacklisted {
		return dht.PublicNodeInfo{}, false
	}
	matches := n.RoutingTable.Closest(id, 1)
	if len(matches) == 1 && matches[0].NodeID == id {
		return matches[0].Public(), true
	}
	return dht.PublicNodeInfo{}, false
}

// OnLocalMessage implements router.LocalSink. Application-layer dispatch
// (chat/file-transfer/etc.) is explicitly out of scope (§1 Non-goals); this
// only handles the frame types the core itself must terminate locally.
func (n *Node) OnLocalMessage(msg *codec.Message) error {
	log := logging.For(n.log, logging.ComponentNode)
	n.Reputation.RecordInteraction(msg.Source)
	switch msg.Type {
	case codec.TypeOnionLayer:
		return n.handleOnionLayer(msg)
	case codec.TypeCoverTraffic:
		return nil // dummy traffic, nothing to deliver
	case codec.TypeKeyExchange:
		return n.handleKeyExchange(msg)
	case codec.TypeFindNode:
		return n.handleFindNode(msg)
	case codec.TypeFindValue:
		return n.handleFindValue(msg)
	case codec.TypeStore:
		return n.handleStore(msg)
	default:
		log.WithField("type", msg.Type).Debug("local message delivered")
		return nil
	}
}

// Channel implements router.ChannelResolver via this node's channel manager.
func (n *Node) Channel(peer identity.NodeID) (*channel.Channel, bool) {
	return n.Channels.Get(peer)
}

// handleOnionLayer peels one layer of an onion-routed frame and either
// forwards the inner frame to the next hop or, if this node is the final
// hop, delivers the inner payload locally. This is the relay dispatch the
// privacy package itself defers to the orchestration layer (onion layers
// travel as ordinary codec.Message{Type: TypeOnionLayer} frames through
// the router rather than a bespoke HTTP relay endpoint, unlike the
// teacher's server-public.go relayHandler).
func (n *Node) handleOnionLayer(msg *codec.Message) error {
	final, nextAddr, inner, err := privacy.PeelLayer(n.OnionKey.Priv, msg.Payload)
	if err != nil {
		return err
	}
	if final {
		payload, err := privacy.UnpadFromBucket(inner)
		if err != nil {
			return err
		}
		return n.OnLocalMessage(&codec.Message{Type: codec.TypeData, Payload: payload})
	}

	names := n.Router.AdapterNames()
	if len(names) == 0 {
		return errors.New("node: no adapter registered to relay onion layer")
	}
	return n.Router.RelaySigned(context.Background(), names[0], nextAddr, inner)
}

// Blacklist marks id so Resolve refuses to route to it (§6 mutating
// operation "blacklist/unblacklist a NodeID").
func (n *Node) Blacklist(id identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blacklist[id] = true
}

// Unblacklist reverses Blacklist.
func (n *Node) Unblacklist(id identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blacklist, id)
}

// IsBlacklisted reports whether id is currently blacklisted.
func (n *Node) IsBlacklisted(id identity.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blacklist[id]
}
