package privacy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myriadmesh/myriadmesh/internal/identity"
)

func genIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateIdentity(context.Background(), 0)
	require.NoError(t, err)
	return id
}

func TestDualIdentityGeneratesIndependentKeys(t *testing.T) {
	d, err := GenerateDualIdentity(context.Background(), 0)
	require.NoError(t, err)
	require.NotEqual(t, d.Clearnet.NodeID, d.Overlay.NodeID)
	require.NotEqual(t, d.Clearnet.Public, d.Overlay.Public)
}

func TestCapabilityTokenRoundTrip(t *testing.T) {
	issuerClearnet := genIdentity(t)
	issuerOverlay := genIdentity(t)
	grantee := genIdentity(t)

	now := time.Now()
	tok := IssueCapabilityToken(issuerClearnet, issuerOverlay, grantee.NodeID, time.Hour, now)
	require.NoError(t, VerifyCapabilityToken(tok, issuerClearnet.Public, now.Add(time.Minute)))
}

func TestCapabilityTokenExpired(t *testing.T) {
	issuerClearnet := genIdentity(t)
	issuerOverlay := genIdentity(t)
	grantee := genIdentity(t)

	now := time.Now()
	tok := IssueCapabilityToken(issuerClearnet, issuerOverlay, grantee.NodeID, time.Minute, now)
	err := VerifyCapabilityToken(tok, issuerClearnet.Public, now.Add(time.Hour))
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestCapabilityTokenRejectsWrongIssuerKey(t *testing.T) {
	issuerClearnet := genIdentity(t)
	issuerOverlay := genIdentity(t)
	grantee := genIdentity(t)
	impostor := genIdentity(t)

	now := time.Now()
	tok := IssueCapabilityToken(issuerClearnet, issuerOverlay, grantee.NodeID, time.Hour, now)
	err := VerifyCapabilityToken(tok, impostor.Public, now)
	require.ErrorIs(t, err, ErrTokenBadSignature)
}

func TestTokenStorePutGetDelete(t *testing.T) {
	issuerClearnet := genIdentity(t)
	issuerOverlay := genIdentity(t)
	grantee := genIdentity(t)

	tok := IssueCapabilityToken(issuerClearnet, issuerOverlay, grantee.NodeID, time.Hour, time.Now())
	store := NewTokenStore()
	store.Put(tok)

	got, ok := store.Get(issuerClearnet.NodeID)
	require.True(t, ok)
	require.Equal(t, tok.OverlayDestination, got.OverlayDestination)

	store.Delete(issuerClearnet.NodeID)
	_, ok = store.Get(issuerClearnet.NodeID)
	require.False(t, ok)
}

func TestPadUnpadRoundTrip(t *testing.T) {
	data := []byte("a short message that needs padding")
	padded := PadToBucket(data)
	require.Contains(t, PaddingBuckets, len(padded))

	out, err := UnpadFromBucket(padded)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestPadHandlesOversizedData(t *testing.T) {
	data := make([]byte, 5000)
	padded := PadToBucket(data)
	require.Equal(t, 0, len(padded)%PaddingBuckets[len(PaddingBuckets)-1])

	out, err := UnpadFromBucket(padded)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func threeHopFixture(t *testing.T) ([]HopSpec, []OnionKeypair) {
	t.Helper()
	var hops []HopSpec
	var keys []OnionKeypair
	addrs := [][]byte{[]byte("hop1-addr"), []byte("hop2-addr"), []byte("hop3-addr")}
	for i := 0; i < 3; i++ {
		kp, err := NewOnionKeypair()
		require.NoError(t, err)
		id := genIdentity(t)
		hops = append(hops, HopSpec{NodeID: id.NodeID, OnionPub: kp.Pub, NextAddress: addrs[i]})
		keys = append(keys, kp)
	}
	return hops, keys
}

func TestOnionBuildAndPeelThreeHops(t *testing.T) {
	hops, keys := threeHopFixture(t)
	payload := []byte("final secret payload")

	packet, err := BuildOnion(hops, payload)
	require.NoError(t, err)

	final, nextAddr, inner, err := PeelLayer(keys[0].Priv, packet)
	require.NoError(t, err)
	require.False(t, final)
	require.Equal(t, hops[1].NextAddress, nextAddr)

	final, nextAddr, inner, err = PeelLayer(keys[1].Priv, inner)
	require.NoError(t, err)
	require.False(t, final)
	require.Equal(t, hops[2].NextAddress, nextAddr)

	final, _, inner, err = PeelLayer(keys[2].Priv, inner)
	require.NoError(t, err)
	require.True(t, final)
	require.Equal(t, payload, inner)
}

func TestOnionPeelFailsWithWrongKey(t *testing.T) {
	hops, _ := threeHopFixture(t)
	packet, err := BuildOnion(hops, []byte("secret"))
	require.NoError(t, err)

	wrongKey, err := NewOnionKeypair()
	require.NoError(t, err)
	_, _, _, err = PeelLayer(wrongKey.Priv, packet)
	require.Error(t, err)
}

func TestBuildOnionRejectsEmptyRoute(t *testing.T) {
	_, err := BuildOnion(nil, []byte("x"))
	require.ErrorIs(t, err, ErrEmptyRoute)
}

func candidatePool(t *testing.T, n int) []HopCandidate {
	t.Helper()
	pool := make([]HopCandidate, n)
	for i := 0; i < n; i++ {
		kp, err := NewOnionKeypair()
		require.NoError(t, err)
		id := genIdentity(t)
		pool[i] = HopCandidate{
			NodeID: id.NodeID, OnionPub: kp.Pub, NextAddress: []byte("addr"),
			Latency: time.Duration(i+1) * 10 * time.Millisecond, Reliability: 1.0 - float64(i)*0.1,
		}
	}
	return pool
}

func TestSelectHopsLowLatencyOrdersByLatency(t *testing.T) {
	pool := candidatePool(t, 5)
	hops, err := SelectHops(PolicyLowLatency, pool, 3)
	require.NoError(t, err)
	require.Len(t, hops, 3)
	require.Equal(t, pool[0].NodeID, hops[0].NodeID)
	require.Equal(t, pool[1].NodeID, hops[1].NodeID)
}

func TestSelectHopsRejectsOutOfRangeCount(t *testing.T) {
	pool := candidatePool(t, 5)
	_, err := SelectHops(PolicyRandom, pool, 2)
	require.ErrorIs(t, err, ErrHopCountOutOfRange)

	_, err = SelectHops(PolicyRandom, pool, 8)
	require.ErrorIs(t, err, ErrHopCountOutOfRange)
}

func TestSelectHopsRejectsTooFewCandidates(t *testing.T) {
	pool := candidatePool(t, 2)
	_, err := SelectHops(PolicyRandom, pool, 3)
	require.ErrorIs(t, err, ErrNotEnoughHops)
}

func TestRouteExpiresByAge(t *testing.T) {
	r := NewRoute(nil, time.Now().Add(-2*time.Hour), 1000)
	require.True(t, r.Expired(time.Now()))
}

func TestRouteExpiresByUseCount(t *testing.T) {
	r := NewRoute(nil, time.Now(), 2)
	r.Use()
	require.False(t, r.Expired(time.Now()))
	r.Use()
	require.True(t, r.Expired(time.Now()))
}

func TestNewRouteAssignsDistinctRouteIDs(t *testing.T) {
	a := NewRoute(nil, time.Now(), 10)
	b := NewRoute(nil, time.Now(), 10)
	require.NotZero(t, a.RouteID)
	require.NotEqual(t, a.RouteID, b.RouteID)
}

func TestRandomHopDelayWithinRange(t *testing.T) {
	for i := 0; i < 20; i++ {
		d, err := RandomHopDelay(DefaultMinHopDelay, DefaultMaxHopDelay)
		require.NoError(t, err)
		require.GreaterOrEqual(t, d, DefaultMinHopDelay)
		require.LessOrEqual(t, d, DefaultMaxHopDelay)
	}
}

func TestNormalizeBuildTime(t *testing.T) {
	require.Equal(t, 40*time.Millisecond, NormalizeBuildTime(60*time.Millisecond, 100*time.Millisecond))
	require.Equal(t, time.Duration(0), NormalizeBuildTime(150*time.Millisecond, 100*time.Millisecond))
}

func TestCoverSchedulerDisabledAtZeroRate(t *testing.T) {
	called := false
	sched := NewCoverScheduler(0, func(context.Context, []byte) error {
		called = true
		return nil
	})
	require.NoError(t, sched.Run(context.Background()))
	require.False(t, called)
}

func TestCoverSchedulerEmitsAtLeastOnce(t *testing.T) {
	sent := make(chan []byte, 1)
	sched := NewCoverScheduler(3600*1000, func(_ context.Context, payload []byte) error { // absurdly high rate -> tiny interval
		select {
		case sent <- payload:
		default:
		}
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	select {
	case payload := <-sent:
		require.Contains(t, PaddingBuckets, len(payload))
	default:
		t.Fatal("expected at least one cover-traffic payload")
	}
}
