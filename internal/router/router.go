package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/myriadmesh/myriadmesh/internal/adapter"
	"github.com/myriadmesh/myriadmesh/internal/channel"
	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/ledger"
	"github.com/myriadmesh/myriadmesh/internal/mmerr"
)

// Outcome is the application-level send API's result (§7).
type Outcome int

const (
	OutcomeEnqueued Outcome = iota
	OutcomeRejected
	OutcomeAcceptedForStoreAndForward
)

const (
	MaxClockSkew        = 5 * time.Minute
	NegativeCacheTTL     = 30 * time.Second
	RetryBudget          = 5
	RetryBackoffBase     = 200 * time.Millisecond
	RetryBackoffCeiling  = 30 * time.Second
)

// PublicKeyResolver resolves a NodeID's long-term public key from an
// established channel, a preceding KeyExchange, or a DHT query (§4.4).
type PublicKeyResolver interface {
	ResolvePublicKey(ctx context.Context, id identity.NodeID) ([]byte, bool)
}

// DestinationResolver resolves routing information for a destination via
// the DHT (§4.7 step 1).
type DestinationResolver interface {
	Resolve(ctx context.Context, id identity.NodeID) (dht.PublicNodeInfo, bool)
}

// LocalSink is the local delivery callback (§6).
type LocalSink interface {
	OnLocalMessage(msg *codec.Message) error
}

// ChannelResolver looks up the established pairwise channel.Channel to a
// peer, when one exists, so Send/HandleInbound can seal/open TypeData
// payloads end-to-end between source and destination (§4.3, §4.7).
type ChannelResolver interface {
	Channel(peer identity.NodeID) (*channel.Channel, bool)
}

// GeoResolver supplies the approximate positions Greedy Geographic
// forwarding needs when the DHT can't resolve a destination directly (§4.7
// "geographic routing fallback", §8 scenario 6).
type GeoResolver interface {
	SelfLocation() (Coordinate, bool)
	DestinationLocation(id identity.NodeID) (Coordinate, bool)
	Neighbors() []NeighborGeo
}

// multipathPriorities is the set of priority classes §4.7's path-selection
// step sends over more than one candidate adapter at once, trading
// bandwidth for latency/loss resilience on traffic that can least afford a
// single failed path.
var multipathPriorities = map[codec.Priority]bool{
	codec.PriorityEmergency: true,
	codec.PriorityHigh:      true,
}

const multipathFanout = 2

type negativeEntry struct {
	at time.Time
}

// Router is the L3 transport-agnostic router (§4.7).
type Router struct {
	self   identity.NodeID
	id     *identity.Identity

	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	queues   map[string]*PriorityQueue

	dedup   *Dedup
	limiter *RateLimiter
	offline *OfflineCache
	reasm   *Reassembler

	keyResolver  PublicKeyResolver
	destResolver DestinationResolver
	localSink    LocalSink
	ledgerSink   ledger.Sink

	chResolver ChannelResolver
	geo        GeoResolver

	sendCounter  atomic.Uint64
	localMaximum atomic.Uint64

	negMu  sync.Mutex
	negative map[identity.NodeID]negativeEntry
}

func New(id *identity.Identity, keyResolver PublicKeyResolver, destResolver DestinationResolver, localSink LocalSink, ledgerSink ledger.Sink) *Router {
	if ledgerSink == nil {
		ledgerSink = ledger.NopSink{}
	}
	return &Router{
		self: id.NodeID, id: id,
		adapters: make(map[string]adapter.Adapter),
		queues:   make(map[string]*PriorityQueue),
		dedup:    NewDedup(),
		limiter:  NewRateLimiter(),
		offline:  NewOfflineCache(),
		reasm:    NewReassembler(),
		keyResolver: keyResolver, destResolver: destResolver, localSink: localSink,
		ledgerSink: ledgerSink,
		negative:   make(map[identity.NodeID]negativeEntry),
	}
}

// SetChannelResolver wires in the node-level channel manager. Optional: a
// Router with none simply sends TypeData payloads unsealed (plaintext at
// the codec layer, still Ed25519-signed), matching its pre-channel
// behavior. Set once during startup, not safe to change concurrently with
// Send/HandleInbound traffic.
func (r *Router) SetChannelResolver(cr ChannelResolver) {
	r.chResolver = cr
}

// SetGeoResolver wires in the node-level location lookups Greedy
// Geographic forwarding needs. Optional: without one, forward() simply
// store-and-forwards destinations the DHT can't resolve, as before.
func (r *Router) SetGeoResolver(gr GeoResolver) {
	r.geo = gr
}

// LocalMaximumCount reports how many times geographic forwarding hit a
// local maximum (no neighbor closer to the destination than this node
// itself) since startup (§8 scenario 6).
func (r *Router) LocalMaximumCount() uint64 {
	return r.localMaximum.Load()
}

// RegisterAdapter wires an adapter in under name, each with its own
// outbound priority queue.
func (r *Router) RegisterAdapter(name string, a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	r.queues[name] = NewPriorityQueue()
}

func (r *Router) isNegativelyCached(dest identity.NodeID, now time.Time) bool {
	r.negMu.Lock()
	defer r.negMu.Unlock()
	e, ok := r.negative[dest]
	if !ok {
		return false
	}
	if now.Sub(e.at) > NegativeCacheTTL {
		delete(r.negative, dest)
		return false
	}
	return true
}

func (r *Router) setNegativeCache(dest identity.NodeID, now time.Time) {
	r.negMu.Lock()
	defer r.negMu.Unlock()
	r.negative[dest] = negativeEntry{at: now}
}

// HandleInbound runs steps 1-8 of the inbound path (§4.7) against a frame
// just received from fromAdapter.
func (r *Router) HandleInbound(ctx context.Context, fromAdapter string, frame []byte) (Outcome, error) {
	m, err := codec.Decode(frame)
	if err != nil {
		return OutcomeRejected, mmerr.New(mmerr.KindMalformed, "decode failed", err)
	}

	pub, ok := r.keyResolver.ResolvePublicKey(ctx, m.Source)
	if !ok {
		return OutcomeRejected, mmerr.New(mmerr.KindNotFound, "unknown sender", nil)
	}
	if !m.VerifySignature(pub) {
		return OutcomeRejected, mmerr.New(mmerr.KindUnauthenticated, "signature invalid", nil)
	}

	now := time.Now()
	if absDuration(now.Sub(time.Unix(int64(m.Timestamp), 0))) > MaxClockSkew {
		return OutcomeRejected, mmerr.New(mmerr.KindReplay, "timestamp outside skew window", nil)
	}

	if r.dedup.SeenOrRecord(m.MessageID, now) {
		return OutcomeRejected, nil // drop silently, not an error the caller should surface
	}

	if !r.limiter.Allow(m.Source, m.Priority) {
		return OutcomeRejected, mmerr.New(mmerr.KindQuotaExceeded, "rate limit exceeded", nil)
	}

	// Decrement TTL before any further decision (§4.7 step 7).
	if m.TTL == 0 {
		return OutcomeRejected, mmerr.New(mmerr.KindTtlExceeded, "ttl already zero", nil)
	}
	m.TTL--
	m.HopCount++
	if m.TTL == 0 {
		return OutcomeRejected, mmerr.New(mmerr.KindTtlExceeded, "ttl exceeded after decrement", nil)
	}

	// Onion-layer frames are addressed by raw transport address rather
	// than mesh NodeID (RelaySigned never sets Destination: the sender
	// doesn't route them, it dials the next hop directly), so every
	// TypeOnionLayer frame that reaches an adapter is for this node to
	// peel, regardless of the zero-value Destination it carries.
	if m.Destination == r.self || m.Type == codec.TypeOnionLayer {
		if m.Flags&codec.FlagChannelSealed != 0 {
			if err := r.openSealed(m); err != nil {
				return OutcomeRejected, mmerr.New(mmerr.KindUnauthenticated, "channel open failed", err)
			}
		}
		if err := r.localSink.OnLocalMessage(m); err != nil {
			return OutcomeRejected, mmerr.New(mmerr.KindInternal, "local delivery failed", err)
		}
		r.emitMessageEvent(m, fromAdapter, true)
		return OutcomeEnqueued, nil
	}

	return r.forward(ctx, m, fromAdapter)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// channelAAD binds a sealed payload to its (source, destination) pair; since
// forward() never rewrites m.Source/m.Destination across hops, the same
// bytes are available to derive the AAD at both the sealing origin and the
// final opening destination.
func channelAAD(source, dest identity.NodeID) []byte {
	aad := make([]byte, 0, len(source)+len(dest))
	aad = append(aad, source[:]...)
	return append(aad, dest[:]...)
}

// sealIfChannel seals payload under the established channel to dest, if one
// exists, returning the sealed bytes and true; otherwise returns payload
// unchanged and false (§4.3/§4.7: only TypeData end-to-end traffic is
// sealed, control frames such as the handshake itself travel signed-only).
func (r *Router) sealIfChannel(dest identity.NodeID, payload []byte) ([]byte, bool) {
	if r.chResolver == nil {
		return payload, false
	}
	ch, ok := r.chResolver.Channel(dest)
	if !ok {
		return payload, false
	}
	sealed, err := ch.Seal(channelAAD(r.self, dest), payload)
	if err != nil {
		return payload, false
	}
	return sealed, true
}

func (r *Router) openSealed(m *codec.Message) error {
	if r.chResolver == nil {
		return mmerr.New(mmerr.KindUnauthenticated, "no channel resolver for sealed payload", nil)
	}
	ch, ok := r.chResolver.Channel(m.Source)
	if !ok {
		return mmerr.New(mmerr.KindNotFound, "no established channel to sender", nil)
	}
	pt, err := ch.Open(channelAAD(m.Source, m.Destination), m.Payload)
	if err != nil {
		return err
	}
	m.Payload = pt
	return nil
}

// Send is the outbound origination API (§4.7 "Outbound origination"): it
// fills source/timestamp/message-ID/TTL, seals the payload end-to-end when
// an established channel to dest exists, signs, and enters the forward path
// as if the message had just arrived from local.
func (r *Router) Send(ctx context.Context, payload []byte, dest identity.NodeID, priority codec.Priority) (Outcome, error) {
	return r.sendTyped(ctx, codec.TypeData, payload, dest, priority, true)
}

// SendTyped originates a non-TypeData control frame (key exchange, DHT
// FIND_NODE/FIND_VALUE/STORE, ...). Control frames are never channel-sealed:
// the channel may not exist yet (key exchange) or the message is meant to be
// legible to any peer able to verify the sender's signature (DHT RPCs).
func (r *Router) SendTyped(ctx context.Context, msgType codec.Type, payload []byte, dest identity.NodeID, priority codec.Priority) (Outcome, error) {
	return r.sendTyped(ctx, msgType, payload, dest, priority, false)
}

func (r *Router) sendTyped(ctx context.Context, msgType codec.Type, payload []byte, dest identity.NodeID, priority codec.Priority, allowSeal bool) (Outcome, error) {
	if len(payload) > codec.MaxPayloadSize {
		return OutcomeRejected, mmerr.New(mmerr.KindFrameTooLarge, "payload exceeds max size", nil)
	}
	counter := r.sendCounter.Add(1)
	now := time.Now()
	msgID := codec.DeriveMessageID(r.self, counter, uint64(now.Unix()), payload)

	var flags uint8
	wire := payload
	if allowSeal {
		if sealed, ok := r.sealIfChannel(dest, payload); ok {
			wire = sealed
			flags |= codec.FlagChannelSealed
		}
	}

	m := &codec.Message{
		Version: codec.Version, Type: msgType, Priority: priority, Flags: flags,
		TTL: codec.DefaultTTL, MessageID: msgID, Source: r.self, Destination: dest,
		Timestamp: uint64(now.Unix()), Payload: wire,
	}
	if err := m.Sign(r.id.Private()); err != nil {
		return OutcomeRejected, mmerr.New(mmerr.KindInternal, "sign failed", err)
	}

	return r.forward(ctx, m, "")
}

// forward implements §4.7's forward path.
func (r *Router) forward(ctx context.Context, m *codec.Message, fromAdapter string) (Outcome, error) {
	now := time.Now()

	if r.isNegativelyCached(m.Destination, now) {
		r.offline.Enqueue(m.Destination, m, m.Priority, now)
		return OutcomeAcceptedForStoreAndForward, nil
	}

	info, found := r.destResolver.Resolve(ctx, m.Destination)
	if !found {
		if outcome, ok := r.tryGeoForward(m, now); ok {
			return outcome, nil
		}
		r.setNegativeCache(m.Destination, now)
		r.offline.Enqueue(m.Destination, m, m.Priority, now)
		return OutcomeAcceptedForStoreAndForward, nil
	}

	candidates := r.candidatesFor(info)
	if len(candidates) == 0 {
		r.offline.Enqueue(m.Destination, m, m.Priority, now)
		return OutcomeAcceptedForStoreAndForward, nil
	}

	wire, err := codec.Encode(m)
	if err != nil {
		return OutcomeRejected, mmerr.New(mmerr.KindFrameTooLarge, "encode failed", err)
	}

	if multipathPriorities[m.Priority] {
		if r.forwardMultipath(m, info, candidates, wire, now) {
			r.emitMessageEvent(m, "multipath", false)
			return OutcomeEnqueued, nil
		}
	}

	name, ok := BestAdapter(m.Priority, candidates)
	if !ok {
		r.offline.Enqueue(m.Destination, m, m.Priority, now)
		return OutcomeAcceptedForStoreAndForward, nil
	}

	r.enqueue(name, addressFor(info, name), m, wire, now)
	r.emitMessageEvent(m, name, false)
	return OutcomeEnqueued, nil
}

// enqueue hands an already-encoded wire frame to adapter name's outbound
// priority queue, fragmenting first if it exceeds the adapter's MTU (§4.7
// step 6). Shared by the single-path, multipath, and geographic-relay
// forwarding branches so fragmentation/queueing logic lives in one place.
func (r *Router) enqueue(name string, addr []byte, m *codec.Message, wire []byte, now time.Time) {
	r.mu.RLock()
	a := r.adapters[name]
	q := r.queues[name]
	r.mu.RUnlock()
	if a == nil || q == nil {
		return
	}

	caps := a.Capabilities()
	if len(wire) > caps.MaxMTU {
		for _, piece := range Fragment(m.MessageID, wire, caps.MaxMTU) {
			q.Push(m.Priority, &OutboundQueueEntry{Frame: piece, Message: m, AdapterName: name, Address: addr, EnqueuedAt: now.UnixNano()})
		}
	} else {
		q.Push(m.Priority, &OutboundQueueEntry{Frame: wire, Message: m, AdapterName: name, Address: addr, EnqueuedAt: now.UnixNano()})
	}
}

// forwardMultipath sends the same wire frame over the top multipathFanout
// adapters (ranked by Score) instead of just the single best one, for
// Emergency/High priority traffic that can't afford to wait out a single
// path's failure (§4.7 "priority-based path selection"). Each candidate here
// is a distinct transport/adapter type already resolved for the SAME peer,
// so this is node-disjoint in the sense that a failure of one adapter
// (congestion, a down transport) doesn't take out the others. Returns false
// if no candidate could be enqueued at all, letting the caller fall back to
// single-path selection.
func (r *Router) forwardMultipath(m *codec.Message, info dht.PublicNodeInfo, candidates []Candidate, wire []byte, now time.Time) bool {
	ranked := rankCandidates(m.Priority, candidates)
	if len(ranked) > multipathFanout {
		ranked = ranked[:multipathFanout]
	}
	sent := false
	for _, c := range ranked {
		r.enqueue(c.Name, addressFor(info, c.Name), m, wire, now)
		sent = true
	}
	return sent
}

// tryGeoForward attempts Greedy Geographic forwarding (§4.7 fallback, §8
// scenario 6) when the destination isn't directly resolvable via the DHT.
// It only applies to PriorityNormal traffic: Emergency/High already failed
// direct resolution and store-and-forward is the safer choice for them,
// while Low/Background are cheap enough to just wait for the DHT.
func (r *Router) tryGeoForward(m *codec.Message, now time.Time) (Outcome, bool) {
	if r.geo == nil || m.Priority != codec.PriorityNormal {
		return OutcomeRejected, false
	}
	self, ok := r.geo.SelfLocation()
	if !ok {
		return OutcomeRejected, false
	}
	dest, ok := r.geo.DestinationLocation(m.Destination)
	if !ok {
		return OutcomeRejected, false
	}
	neighbors := r.geo.Neighbors()
	if len(neighbors) == 0 {
		return OutcomeRejected, false
	}

	next, ok := GreedyGeographicNextHop(self, dest, neighbors)
	if !ok {
		r.localMaximum.Add(1)
		return OutcomeRejected, false
	}

	wire, err := codec.Encode(m)
	if err != nil {
		return OutcomeRejected, false
	}
	r.enqueue(next.AdapterName, next.Address, m, wire, now)
	r.emitMessageEvent(m, next.AdapterName, false)
	return OutcomeEnqueued, true
}

func (r *Router) candidatesFor(info dht.PublicNodeInfo) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Candidate
	for _, desc := range info.Adapters {
		a, ok := r.adapters[desc.Type]
		if !ok {
			continue
		}
		out = append(out, Candidate{Name: desc.Type, Caps: a.Capabilities()})
	}
	return out
}

func addressFor(info dht.PublicNodeInfo, adapterName string) []byte {
	for _, desc := range info.Adapters {
		if desc.Type == adapterName {
			return desc.Address
		}
	}
	return nil
}

func (r *Router) emitMessageEvent(m *codec.Message, adapterName string, delivered bool) {
	e := ledger.Event{Kind: ledger.EventMessage, Time: time.Now(), CorrelationID: uuid.New(), Message: &ledger.MessageEvent{
		MessageID: m.MessageID, Src: m.Source, Dst: m.Destination, Adapter: adapterName, Delivered: delivered,
	}}
	e.Sign(r.id)
	_ = r.ledgerSink.Append(e) // non-fatal per §6
}

// ProcessQueue runs the send loop for one adapter's priority queue until ctx
// is cancelled, applying retry-with-backoff on TransientIO and demoting to
// the offline cache on PermanentIO or retry-budget exhaustion (§4.7 step 6).
func (r *Router) ProcessQueue(ctx context.Context, adapterName string) {
	r.mu.RLock()
	a := r.adapters[adapterName]
	q := r.queues[adapterName]
	r.mu.RUnlock()
	if a == nil || q == nil {
		return
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry := q.Pop()
			if entry == nil {
				continue
			}
			r.trySend(ctx, a, q, entry)
		}
	}
}

func (r *Router) trySend(ctx context.Context, a adapter.Adapter, q *PriorityQueue, entry *OutboundQueueEntry) {
	addr, err := a.ParseAddress(string(entry.Address))
	if err != nil {
		r.offline.Enqueue(entry.Message.Destination, entry.Message, entry.Message.Priority, time.Now())
		return
	}
	err = a.Send(ctx, addr, entry.Frame)
	if err == nil {
		return
	}

	switch {
	case err == adapter.ErrTransientIO || isWrapped(err, adapter.ErrTransientIO):
		entry.RetryCount++
		if entry.RetryCount > RetryBudget {
			r.offline.Enqueue(entry.Message.Destination, entry.Message, entry.Message.Priority, time.Now())
			return
		}
		backoff := RetryBackoffBase * (1 << uint(entry.RetryCount))
		if backoff > RetryBackoffCeiling {
			backoff = RetryBackoffCeiling
		}
		time.AfterFunc(backoff, func() { q.Push(entry.Message.Priority, entry) })
	default:
		r.offline.Enqueue(entry.Message.Destination, entry.Message, entry.Message.Priority, time.Now())
	}
}

func isWrapped(err, target error) bool {
	for e := err; e != nil; {
		if e == target {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// QueueDepths returns the outbound priority-queue length for each
// registered adapter, keyed by adapter name (§6 admin/query surface).
func (r *Router) QueueDepths() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.queues))
	for name, q := range r.queues {
		out[name] = q.Len()
	}
	return out
}

// AdapterNames lists the adapters currently registered.
func (r *Router) AdapterNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// DedupSize reports the current number of entries held in the dedup cache.
func (r *Router) DedupSize() int {
	return r.dedup.Len()
}

// OfflineCacheSize reports the number of distinct cached destinations and
// total cached bytes in the store-and-forward cache.
func (r *Router) OfflineCacheSize() (destinations int, bytes int) {
	return r.offline.Size()
}

// OfflineDestinations lists the destinations currently holding cached
// entries, the candidate set SweepOffline re-checks against the DHT.
func (r *Router) OfflineDestinations() []identity.NodeID {
	return r.offline.Destinations()
}

// RelaySigned builds a signed, codec-wrapped TypeOnionLayer frame and hands
// it directly to the named adapter at addr, bypassing DHT destination
// resolution entirely (§4.8: an onion hop is addressed by the route
// builder out of band — looking the next hop up by NodeID in the DHT here
// would defeat the purpose of onion routing, since the DHT path is exactly
// what the privacy stack is hiding this hop from).
func (r *Router) RelaySigned(ctx context.Context, adapterName string, addr []byte, payload []byte) error {
	r.mu.RLock()
	a := r.adapters[adapterName]
	r.mu.RUnlock()
	if a == nil {
		return mmerr.New(mmerr.KindNotFound, "relay: adapter not registered", nil)
	}

	now := uint64(time.Now().Unix())
	m := &codec.Message{
		Version: codec.Version, Type: codec.TypeOnionLayer, Priority: codec.PriorityNormal,
		TTL: codec.DefaultTTL, Source: r.self, Timestamp: now, Payload: payload,
	}
	m.MessageID = codec.DeriveMessageID(r.self, r.sendCounter.Add(1), now, payload)
	if err := m.Sign(r.id.Private()); err != nil {
		return err
	}
	frame, err := codec.Encode(m)
	if err != nil {
		return err
	}
	return a.Send(ctx, adapter.Address{AdapterType: adapterName, Raw: addr}, frame)
}

// SweepOffline re-attempts delivery for any destination that has since
// appeared in the DHT, and drops entries past their TTL (§4.7 step 2
// periodic sweep).
func (r *Router) SweepOffline(ctx context.Context, candidates []identity.NodeID) {
	now := time.Now()
	r.offline.Sweep(now)
	seen := make(map[[16]byte]bool)
	for _, dest := range candidates {
		if _, found := r.destResolver.Resolve(ctx, dest); !found {
			continue
		}
		for _, m := range r.offline.Drain(dest, now) {
			if seen[m.MessageID] {
				continue
			}
			seen[m.MessageID] = true
			_, _ = r.forward(ctx, m, "")
		}
	}
}
