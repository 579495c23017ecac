package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

func TestEventSignVerifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := identity.GenerateIdentity(ctx, 4)
	require.NoError(t, err)

	e := Event{
		Kind: EventMessage,
		Time: time.Now(),
		Message: &MessageEvent{
			MessageID: [16]byte{1, 2, 3},
			Src:       id.NodeID,
			Dst:       id.NodeID,
			Adapter:   "udp",
			Delivered: true,
		},
	}
	e.Sign(id)
	require.True(t, e.Verify(id.Public))

	e.Message.Delivered = false
	require.False(t, e.Verify(id.Public))
}

func TestMemorySinkAccumulates(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Append(Event{Kind: EventDiscovery, Discovery: &DiscoveryEvent{}}))
	require.NoError(t, sink.Append(Event{Kind: EventTest, Test: &TestEvent{}}))
	require.Len(t, sink.Events(), 2)
}

func TestNopSinkNeverFails(t *testing.T) {
	var sink Sink = NopSink{}
	require.NoError(t, sink.Append(Event{}))
}
