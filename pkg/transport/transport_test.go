package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/fault"
	"github.com/credmesh/credmesh/pkg/logstore"
	"github.com/credmesh/credmesh/pkg/mesh"
)

func testServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server, *Topology) {
	t.Helper()
	topo := NewTopology(NewHealthTracker(HealthConfig{}),
		Peer{NodeID: "node-b", Tenant: "acme", URL: "https://node-b.mesh.local", SPIFFEID: "spiffe://acme.mesh/node-b"})
	srv := NewServer(logstore.NewStore(t.TempDir()), topo, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, topo
}

func testClient(t *testing.T, url string, tracker *HealthTracker) *Client {
	t.Helper()
	c, err := NewClient(Peer{NodeID: "node-b", URL: url}, tracker, ClientConfig{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func sealRecord(t *testing.T, s mesh.Seal) ReplicationRecord {
	t.Helper()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	return ReplicationRecord{Kind: logstore.KindSealChain, Payload: raw}
}

func TestPushPullRoundTrip(t *testing.T) {
	_, ts, _ := testServer(t)
	c := testClient(t, ts.URL, nil)
	ctx := context.Background()

	resp, err := c.Push(ctx, "acme", "node-a", PushRequest{
		SourceNode: "node-b",
		Records: []ReplicationRecord{
			{Kind: logstore.KindEnvelopes, Payload: json.RawMessage(`{"envelope_id":"ENV-1"}`)},
			{Kind: logstore.KindEnvelopes, Payload: json.RawMessage(`{"envelope_id":"ENV-2"}`)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Accepted)

	pulled, err := c.Pull(ctx, "acme", "node-a", 0)
	require.NoError(t, err)
	require.Len(t, pulled.Records, 2)
	assert.Equal(t, logstore.KindEnvelopes, pulled.Records[0].Kind)
	assert.Greater(t, pulled.NextCursor, int64(0))

	// Nothing new past the cursor.
	again, err := c.Pull(ctx, "acme", "node-a", pulled.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, again.Records)

	status, err := c.Status(ctx, "acme", "node-a")
	require.NoError(t, err)
	assert.Equal(t, 2, status.LogSize)
}

func TestPushSealChainContinuity(t *testing.T) {
	_, ts, _ := testServer(t)
	c := testClient(t, ts.URL, nil)
	ctx := context.Background()

	resp, err := c.Push(ctx, "acme", "node-a", PushRequest{Records: []ReplicationRecord{
		sealRecord(t, mesh.Seal{SealHash: "sha256:s1", PrevSealHash: mesh.GenesisSeal, ChainLength: 1}),
		sealRecord(t, mesh.Seal{SealHash: "sha256:s2", PrevSealHash: "sha256:s1", ChainLength: 2}),
	}})
	require.NoError(t, err)
	assert.Equal(t, "sha256:s2", resp.ChainHead)

	// A seal that does not extend the replicated head is a conflict, and the
	// conflict is terminal for the client.
	_, err = c.Push(ctx, "acme", "node-a", PushRequest{Records: []ReplicationRecord{
		sealRecord(t, mesh.Seal{SealHash: "sha256:sX", PrevSealHash: "sha256:forked", ChainLength: 3}),
	}})
	require.Error(t, err)
	assert.Equal(t, fault.KindChainBreak, fault.KindOf(err))

	// The rejected batch left no trace.
	status, err := c.Status(ctx, "acme", "node-a")
	require.NoError(t, err)
	assert.Equal(t, "sha256:s2", status.ChainHead)
	assert.Equal(t, 2, status.LogSize)
}

func TestPushPolicyDeny(t *testing.T) {
	_, ts, _ := testServer(t, WithPushPolicy(func(tenant, node string, rec ReplicationRecord) string {
		if rec.Kind == logstore.KindAuthority {
			return "authority records replicate over the ledger channel only"
		}
		return ""
	}))
	tracker := NewHealthTracker(HealthConfig{})
	c := testClient(t, ts.URL, tracker)

	_, err := c.Push(context.Background(), "acme", "node-a", PushRequest{Records: []ReplicationRecord{
		{Kind: logstore.KindAuthority, Payload: json.RawMessage(`{}`)},
	}})
	require.Error(t, err)
	assert.Equal(t, fault.KindAuthorityDeny, fault.KindOf(err))
	assert.Equal(t, PeerOnline, tracker.State("node-b"), "a deny is not a liveness failure")
}

func TestTopologyEndpoint(t *testing.T) {
	_, ts, topo := testServer(t)
	topo.Tracker().Failure("node-b")

	resp, err := http.Get(ts.URL + "/mesh/acme/topology")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var peers []PeerStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "node-b", peers[0].NodeID)
	assert.Equal(t, "spiffe://acme.mesh/node-b", peers[0].SPIFFEID)
	assert.Equal(t, PeerOnline, peers[0].State, "one failure does not demote")
}

func TestHealthStateMachine(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{SuspectAfterFailures: 3, OfflineAfterFailures: 6, RecoverySuccesses: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, PeerOnline, tr.Failure("p"))
	}
	assert.Equal(t, PeerSuspect, tr.Failure("p"), "third consecutive failure")
	for i := 0; i < 2; i++ {
		tr.Failure("p")
	}
	assert.Equal(t, PeerOffline, tr.Failure("p"), "sixth consecutive failure")

	assert.Equal(t, PeerOffline, tr.Success("p"), "one success does not recover")
	assert.Equal(t, PeerOnline, tr.Success("p"), "recovery takes two in a row")

	// An interleaved failure resets the recovery streak.
	tr.Failure("p")
	tr.Failure("p")
	tr.Failure("p")
	require.Equal(t, PeerSuspect, tr.State("p"))
	tr.Success("p")
	tr.Failure("p")
	assert.Equal(t, PeerSuspect, tr.State("p"))
	tr.Success("p")
	assert.Equal(t, PeerSuspect, tr.State("p"))
	tr.Success("p")
	assert.Equal(t, PeerOnline, tr.State("p"))
}

func TestTopologyLiveExcludesOffline(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{SuspectAfterFailures: 1, OfflineAfterFailures: 2, RecoverySuccesses: 1})
	topo := NewTopology(tr,
		Peer{NodeID: "node-a", URL: "https://a"},
		Peer{NodeID: "node-b", URL: "https://b"})

	tr.Failure("node-b")
	tr.Failure("node-b")
	require.Equal(t, PeerOffline, tr.State("node-b"))

	live := topo.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "node-a", live[0].NodeID)
	assert.Len(t, topo.Snapshot(), 2, "topology still lists offline peers")
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{Tenant: "acme", NodeID: "node-a"})
	}))
	defer flaky.Close()

	tracker := NewHealthTracker(HealthConfig{})
	c, err := NewClient(Peer{NodeID: "node-b", URL: flaky.URL}, tracker, ClientConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)

	status, err := c.Status(context.Background(), "acme", "node-a")
	require.NoError(t, err)
	assert.Equal(t, "acme", status.Tenant)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, PeerOnline, tracker.State("node-b"))
}

func TestClientMarksUnreachablePeer(t *testing.T) {
	tracker := NewHealthTracker(HealthConfig{SuspectAfterFailures: 1, OfflineAfterFailures: 2, RecoverySuccesses: 1})
	c, err := NewClient(Peer{NodeID: "node-b", URL: "http://127.0.0.1:1"}, tracker, ClientConfig{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "acme", "node-a")
	require.Error(t, err)
	assert.Equal(t, PeerSuspect, tracker.State("node-b"))
}

func TestQuotaDenialIsTooManyRequests(t *testing.T) {
	_, ts, _ := testServer(t, WithQuota(denyAllQuota{}))
	c := testClient(t, ts.URL, nil)

	_, err := c.Push(context.Background(), "acme", "node-a", PushRequest{})
	require.Error(t, err)
	assert.Equal(t, fault.KindTransportUnreachable, fault.KindOf(err))
}

type denyAllQuota struct{}

func (denyAllQuota) Allow(context.Context, string, string, int) (bool, error) { return false, nil }
