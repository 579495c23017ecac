package node

import (
	"context"
	"errors"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/dht"
	"github.com/myriadmesh/myriadmesh/internal/identity"
	"github.com/myriadmesh/myriadmesh/internal/logging"
)

// lookupState is one in-flight iterative FIND_NODE lookup, correlated with
// its inbound FIND_NODE responses by target NodeID (§4.6: IterativeLookup
// itself "holds no network logic", the orchestrator here drives it).
type lookupState struct {
	lookup *dht.IterativeLookup
}

// FindNode drives an iterative FIND_NODE lookup toward target, querying the
// seed candidates already in the routing table and feeding back whatever
// handleFindNode correlates against this lookup, until it converges,
// ctx is cancelled, or it runs a bounded number of rounds (§4.6).
func (n *Node) FindNode(ctx context.Context, target identity.NodeID) ([]dht.PublicNodeInfo, error) {
	n.lookupsMu.Lock()
	if _, ok := n.lookups[target]; ok {
		n.lookupsMu.Unlock()
		return nil, errLookupInFlight
	}
	seed := n.RoutingTable.Closest(target, dht.K)
	l := dht.NewIterativeLookup(n.Identity.NodeID, target, seed)
	st := &lookupState{lookup: l}
	n.lookups[target] = st
	n.lookupsMu.Unlock()

	defer func() {
		n.lookupsMu.Lock()
		delete(n.lookups, target)
		n.lookupsMu.Unlock()
	}()

	log := logging.For(n.log, logging.ComponentDHT)
	for round := 0; round < dht.MaxRounds && !l.IsComplete(); round++ {
		batch := l.NextQueryBatch()
		if len(batch) == 0 {
			break
		}
		payload := dht.FindNodeQuery{Target: target}.Marshal()
		for _, candidate := range batch {
			if _, err := n.Router.SendTyped(ctx, codec.TypeFindNode, payload, candidate.NodeID, codec.PriorityNormal); err != nil {
				log.WithError(err).WithField("peer", candidate.NodeID).Debug("find_node query send failed")
				l.MarkFailed(candidate.NodeID)
			}
		}
		select {
		case <-time.After(dht.QueryTimeout):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.CheckTimeouts()
	}
	return l.Answers(), nil
}

// handleFindNode answers an incoming FIND_NODE query with this node's
// closest known nodes to the target, or (for a response) feeds the
// discovered nodes back into the matching in-flight lookup.
func (n *Node) handleFindNode(msg *codec.Message) error {
	query, resp, err := dht.DecodeFindNode(msg.Payload)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if query != nil {
		closest := n.RoutingTable.Closest(query.Target, dht.K)
		nodes := make([]dht.PublicNodeInfo, 0, len(closest))
		for _, c := range closest {
			nodes = append(nodes, c.Public())
		}
		payload := dht.FindNodeResponse{Target: query.Target, Nodes: nodes}.Marshal()
		_, err := n.Router.SendTyped(ctx, codec.TypeFindNode, payload, msg.Source, codec.PriorityNormal)
		return err
	}

	n.lookupsMu.Lock()
	st, ok := n.lookups[resp.Target]
	n.lookupsMu.Unlock()
	if !ok {
		return nil // stale or unsolicited response, no lookup waiting on it
	}
	st.lookup.AddDiscovered(toNodeInfos(resp.Nodes))
	st.lookup.MarkResponded(msg.Source)
	return nil
}

func toNodeInfos(nodes []dht.PublicNodeInfo) []dht.NodeInfo {
	out := make([]dht.NodeInfo, 0, len(nodes))
	for _, p := range nodes {
		out = append(out, dht.NodeInfo{
			NodeID: p.NodeID, PublicKey: p.PublicKey, PoWNonce: p.PoWNonce,
			Adapters: p.Adapters, Capabilities: p.Capabilities,
			LastSeen: p.LastSeen, Reputation: p.Reputation,
		})
	}
	return out
}

// FindValue returns a locally stored value, if present, or best-effort
// queries the Alpha closest known nodes to key's derived target and waits
// up to one QueryTimeout for a hit (§4.6 FIND_VALUE). This is a single
// best-effort round rather than a full iterative lookup: a miss simply
// leaves the caller to retry, the same shape the spec's FIND_VALUE gives a
// non-iterative client.
func (n *Node) FindValue(ctx context.Context, key [32]byte) (dht.StoredValue, bool, error) {
	if sv, err := n.Store.Get(key); err == nil {
		return sv, true, nil
	}

	target := dht.KeyAsTarget(key)
	candidates := n.RoutingTable.Closest(target, dht.Alpha)
	if len(candidates) == 0 {
		return dht.StoredValue{}, false, nil
	}

	ch := make(chan dht.FindValueResponse, len(candidates))
	n.valueMu.Lock()
	n.valueWaiters[key] = ch
	n.valueMu.Unlock()
	defer func() {
		n.valueMu.Lock()
		delete(n.valueWaiters, key)
		n.valueMu.Unlock()
	}()

	payload := dht.FindValueQuery{Key: key}.Marshal()
	for _, c := range candidates {
		_, _ = n.Router.SendTyped(ctx, codec.TypeFindValue, payload, c.NodeID, codec.PriorityNormal)
	}

	deadline := time.NewTimer(dht.QueryTimeout)
	defer deadline.Stop()
	for {
		select {
		case resp := <-ch:
			if resp.Found {
				return resp.Value, true, nil
			}
			for _, p := range resp.Nodes {
				_ = n.RoutingTable.Insert(dht.NodeInfo{
					NodeID: p.NodeID, PublicKey: p.PublicKey, PoWNonce: p.PoWNonce,
					Adapters: p.Adapters, Capabilities: p.Capabilities, LastSeen: p.LastSeen,
				})
			}
		case <-deadline.C:
			return dht.StoredValue{}, false, nil
		case <-ctx.Done():
			return dht.StoredValue{}, false, ctx.Err()
		}
	}
}

// handleFindValue answers an incoming FIND_VALUE query from the local
// store, or correlates a response against whatever FindValue call is
// waiting on key.
func (n *Node) handleFindValue(msg *codec.Message) error {
	query, resp, err := dht.DecodeFindValue(msg.Payload)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if query != nil {
		if sv, err := n.Store.Get(query.Key); err == nil {
			payload := dht.FindValueResponse{Key: query.Key, Found: true, Value: sv}.Marshal()
			_, err := n.Router.SendTyped(ctx, codec.TypeFindValue, payload, msg.Source, codec.PriorityNormal)
			return err
		}
		closest := n.RoutingTable.Closest(dht.KeyAsTarget(query.Key), dht.K)
		nodes := make([]dht.PublicNodeInfo, 0, len(closest))
		for _, c := range closest {
			nodes = append(nodes, c.Public())
		}
		payload := dht.FindValueResponse{Key: query.Key, Found: false, Nodes: nodes}.Marshal()
		_, err := n.Router.SendTyped(ctx, codec.TypeFindValue, payload, msg.Source, codec.PriorityNormal)
		return err
	}

	n.valueMu.Lock()
	ch, ok := n.valueWaiters[resp.Key]
	n.valueMu.Unlock()
	if ok {
		select {
		case ch <- *resp:
		default:
		}
	}
	return nil
}

// Publish signs and locally stores value under key, then best-effort
// replicates the signed record to the K nodes closest to key (§4.6 STORE).
func (n *Node) Publish(ctx context.Context, key [32]byte, value []byte, ttl time.Duration) error {
	sv := dht.SignStore(n.Identity, key, value, time.Now().Add(ttl))
	if err := n.Store.Put(sv); err != nil {
		return err
	}
	payload := dht.StoreRequest{Value: sv}.Marshal()
	for _, c := range n.RoutingTable.Closest(dht.KeyAsTarget(key), dht.K) {
		_, _ = n.Router.SendTyped(ctx, codec.TypeStore, payload, c.NodeID, codec.PriorityLow)
	}
	return nil
}

// handleStore admits an incoming STORE request into this node's value
// store and acknowledges it; a STORE response is logged only, since
// Publish replicates best-effort and doesn't block on acks.
func (n *Node) handleStore(msg *codec.Message) error {
	req, resp, err := dht.DecodeStore(msg.Payload)
	if err != nil {
		return err
	}
	if req != nil {
		putErr := n.Store.Put(req.Value)
		ack := dht.StoreResponse{OK: putErr == nil}
		if putErr != nil {
			ack.Reason = putErr.Error()
		}
		_, err := n.Router.SendTyped(context.Background(), codec.TypeStore, ack.Marshal(), msg.Source, codec.PriorityLow)
		return err
	}
	if !resp.OK {
		logging.For(n.log, logging.ComponentDHT).WithField("reason", resp.Reason).Debug("store replication rejected")
	}
	return nil
}

var errLookupInFlight = errors.New("node: a find_node lookup for this target is already in flight")
