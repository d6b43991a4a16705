package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"blockswap/core/block"
	"blockswap/core/blockstore"
	"blockswap/core/cidutil"
	"blockswap/core/unixfs"
	"blockswap/network/bitswap"
	"blockswap/network/libp2p"
	"blockswap/network/peer_registry"
	"blockswap/network/wantlist"
)

// fakeExchange serves from a local store, falling back to a "remote" map.
type fakeExchange struct {
	store    *blockstore.Memory
	registry *peer_registry.Registry

	mu       sync.Mutex
	remote   map[cid.Cid]block.Block
	fail     error
	pending  map[cid.Cid]wantlist.PendingRequest
	canceled []cid.Cid
	fetched  []wantlist.Priority
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		store:    blockstore.NewMemory(),
		registry: peer_registry.New(nil),
		remote:   make(map[cid.Cid]block.Block),
		pending:  make(map[cid.Cid]wantlist.PendingRequest),
	}
}

func (f *fakeExchange) GetBlock(ctx context.Context, id cid.Cid, pri wantlist.Priority) (block.Block, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, pri)
	fail, remote := f.fail, f.remote[id]
	f.mu.Unlock()
	if blk, err := f.store.Get(id); err == nil {
		return blk, nil
	}
	if fail != nil {
		return nil, fail
	}
	if remote == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return remote, f.store.Put(remote)
}

func (f *fakeExchange) AddBlock(_ context.Context, blk block.Block) error { return f.store.Put(blk) }
func (f *fakeExchange) HasBlock(id cid.Cid) (bool, error)                 { return f.store.Has(id) }

func (f *fakeExchange) CancelRequest(id cid.Cid) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; !ok {
		return false
	}
	delete(f.pending, id)
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakeExchange) Wantlist() []wantlist.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wantlist.Entry
	for id, p := range f.pending {
		out = append(out, wantlist.Entry{ID: id, Priority: p.Priority, WantType: wantlist.FullBlock})
	}
	return out
}

func (f *fakeExchange) Pending(id cid.Cid) (wantlist.PendingRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	return p, ok
}

func (f *fakeExchange) Peers() []bitswap.PeerInfo {
	return []bitswap.PeerInfo{{ID: "peer-a", Protocol: string(bitswap.ProtocolBlockswap), Negotiated: true}}
}

func (f *fakeExchange) Stat() bitswap.Stat                { return bitswap.Stat{Peers: 1, Provided: 2} }
func (f *fakeExchange) Registry() *peer_registry.Registry { return f.registry }

func (f *fakeExchange) priorities() []wantlist.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wantlist.Priority(nil), f.fetched...)
}

func (f *fakeExchange) canceledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}

type fakeNode struct{}

func (fakeNode) NetworkStats() libp2p.NetworkStats {
	return libp2p.NetworkStats{PeerID: "self", ConnectedPeers: 3}
}

func newTestServer(t *testing.T, node NetworkStatsProvider) (*fakeExchange, *httptest.Server) {
	t.Helper()
	ex := newFakeExchange()
	srv := httptest.NewServer(NewServer(ex, node, zaptest.NewLogger(t).Sugar()).Handler())
	t.Cleanup(srv.Close)
	return ex, srv
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	decode(t, resp, &h)
	assert.Equal(t, "healthy", h.Status)
}

func TestUploadThenDownloadBlock(t *testing.T) {
	_, srv := newTestServer(t, nil)
	data := []byte("a block of bytes")

	resp, err := http.Post(srv.URL+"/blocks", "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up UploadResponse
	decode(t, resp, &up)
	assert.Equal(t, cidutil.Sum(data).String(), up.CID)
	assert.EqualValues(t, len(data), up.Size)

	resp, err = http.Get(srv.URL + "/blocks/" + up.CID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, `"`+up.CID+`"`, resp.Header.Get("ETag"))
}

func TestUploadBlockRejectsWrongCID(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	claimed := cidutil.Sum([]byte("something else"))

	resp, err := http.Post(srv.URL+"/blocks?cid="+claimed.String(), "application/octet-stream", bytes.NewReader([]byte("forged")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	has, err := ex.HasBlock(claimed)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDownloadBlockRangeFromNetwork(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	blk := block.NewBlock([]byte("0123456789"))
	ex.remote[blk.ID()] = blk

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/blocks/"+blk.ID().String()+"?priority=high", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))
	assert.Equal(t, []wantlist.Priority{wantlist.High}, ex.priorities())
}

func TestDownloadBlockErrors(t *testing.T) {
	cases := map[string]struct {
		fail   error
		query  string
		status int
	}{
		"not found":    {fail: errors.Wrap(bitswap.ErrProviderNotFound, "x"), status: http.StatusNotFound},
		"timeout":      {fail: bitswap.ErrTimeout, status: http.StatusGatewayTimeout},
		"integrity":    {fail: bitswap.ErrIntegrityMismatch, status: http.StatusBadGateway},
		"bandwidth":    {fail: bitswap.ErrBandwidthExceeded, status: http.StatusTooManyRequests},
		"circuit":      {fail: bitswap.ErrCircuitOpen, status: http.StatusServiceUnavailable},
		"canceled":     {fail: bitswap.ErrCanceled, status: http.StatusConflict},
		"deadline":     {query: "?timeout=20ms", status: http.StatusGatewayTimeout},
		"bad timeout":  {query: "?timeout=soon", status: http.StatusBadRequest},
		"bad priority": {query: "?priority=asap", status: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ex, srv := newTestServer(t, nil)
			ex.fail = tc.fail
			resp, err := http.Get(srv.URL + "/blocks/" + cidutil.Sum([]byte(name)).String() + tc.query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	_, srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/blocks/not-a-cid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFileRoundTrip(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	content := bytes.Repeat([]byte("blockswap "), 20000) // several 64KB chunks

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/files", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up UploadResponse
	decode(t, resp, &up)
	assert.Equal(t, "notes.txt", up.Filename)
	assert.EqualValues(t, len(content), up.Size)
	assert.Greater(t, len(up.Chunks), 1)

	// the manifest lists chunks in order
	root, err := cidutil.Parse(up.CID)
	require.NoError(t, err)
	blk, err := ex.store.Get(root)
	require.NoError(t, err)
	m, err := unixfs.DecodeManifest(blk)
	require.NoError(t, err)
	require.Len(t, m.Chunks, len(up.Chunks))
	for i, id := range m.Chunks {
		assert.Equal(t, up.Chunks[i], id.String())
	}

	resp, err = http.Get(srv.URL + "/files/" + up.CID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// blockList collects imported blocks without storing them.
type blockList []block.Block

func (l *blockList) AddBlock(_ context.Context, blk block.Block) error {
	*l = append(*l, blk)
	return nil
}

func TestFileParityRecovery(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	ex.fail = bitswap.ErrProviderNotFound
	content := make([]byte, 28_000)
	for i := range content {
		content[i] = byte(i*31 + i/97)
	}

	var imported blockList
	m, root, err := unixfs.Import(context.Background(), bytes.NewReader(content),
		unixfs.ImportOptions{ChunkSize: 1024, Parity: 2}, &imported)
	require.NoError(t, err)
	lost := m.Chunks[3]
	for _, blk := range imported {
		if !blk.ID().Equals(lost) {
			require.NoError(t, ex.store.Put(blk))
		}
	}

	resp, err := http.Get(srv.URL + "/files/" + root.ID().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUploadFileWithParity(t *testing.T) {
	_, srv := newTestServer(t, nil)
	body := bytes.NewReader(bytes.Repeat([]byte("x"), 100_000))

	resp, err := http.Post(srv.URL+"/files?parity=3", "application/octet-stream", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up UploadResponse
	decode(t, resp, &up)
	assert.Equal(t, 3, up.Parity)

	resp, err = http.Post(srv.URL+"/files?parity=99", "application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadFileRejectsNonManifest(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	blk := block.NewBlock([]byte("just bytes"))
	require.NoError(t, ex.AddBlock(context.Background(), blk))

	resp, err := http.Get(srv.URL + "/files/" + blk.ID().String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestWantsEndpoints(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	id := cidutil.Sum([]byte("wanted"))
	ex.pending[id] = wantlist.PendingRequest{
		ID:         id,
		Priority:   wantlist.Urgent,
		RetryCount: 2,
		TriedPeers: map[peer.ID]struct{}{"b": {}, "a": {}},
		CreatedAt:  time.Now(),
	}

	resp, err := http.Get(srv.URL + "/wantlist")
	require.NoError(t, err)
	var entries []wantlist.Entry
	decode(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ID.Equals(id))

	resp, err = http.Get(srv.URL + "/wants/" + id.String())
	require.NoError(t, err)
	var want WantResponse
	decode(t, resp, &want)
	assert.Equal(t, "urgent", want.Priority)
	assert.EqualValues(t, 2, want.Retries)
	assert.Equal(t, []string{peer.ID("a").String(), peer.ID("b").String()}, want.TriedPeers)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/wants/"+id.String(), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())
	assert.Equal(t, 1, ex.canceledCount())
}

func TestPeersAndProviders(t *testing.T) {
	ex, srv := newTestServer(t, nil)
	id := cidutil.Sum([]byte("held"))
	ex.registry.OnConnected("holder", nil, peer_registry.ConnDirect)
	ex.registry.RecordHave("holder", id)

	resp, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	var peers []bitswap.PeerInfo
	decode(t, resp, &peers)
	require.Len(t, peers, 1)

	resp, err = http.Get(srv.URL + "/peers/registry")
	require.NoError(t, err)
	var snap []peer_registry.PeerSnapshot
	decode(t, resp, &snap)
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].HaveLen)

	resp, err = http.Get(srv.URL + "/providers/" + id.String())
	require.NoError(t, err)
	var cands []peer_registry.Candidate
	decode(t, resp, &cands)
	require.Len(t, cands, 1)
	assert.Equal(t, peer.ID("holder"), cands[0].ID)
}

func TestStatsAndNetwork(t *testing.T) {
	_, srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/network")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats StatsResponse
	decode(t, resp, &stats)
	assert.Equal(t, 2, stats.Exchange.Provided)
	assert.Nil(t, stats.Network)

	_, srv = newTestServer(t, fakeNode{})
	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	decode(t, resp, &stats)
	require.NotNil(t, stats.Network)
	assert.Equal(t, 3, stats.Network.ConnectedPeers)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
