package router

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"Shardveil/internal/attest"
	"Shardveil/internal/connect"
	"Shardveil/internal/ledger"
	"Shardveil/internal/sharding"
	"Shardveil/internal/store"
	"Shardveil/internal/watcher"
	"Shardveil/internal/wire"
)

const testSource = "https://observer-a.test"

// newTestLedger builds a three-block chain with spentImg consumed at
// block 2, in its own directory.
func newTestLedger(t *testing.T, spentImg wire.KeyImage) *ledger.Ledger {
	t.Helper()

	lgr, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { lgr.Close() })

	origin := ledger.TxOut{Data: []byte("origin")}
	origin.PublicKey[0] = 1
	if _, err := lgr.AppendBlock([]ledger.TxOut{origin}, nil); err != nil {
		t.Fatalf("append origin: %v", err)
	}
	if _, err := lgr.AppendBlock(nil, nil); err != nil {
		t.Fatalf("append block 1: %v", err)
	}
	if _, err := lgr.AppendBlock(nil, []wire.KeyImage{spentImg}); err != nil {
		t.Fatalf("append block 2: %v", err)
	}

	return lgr
}

// newTestWatcher builds a watcher store with a signature for block 2.
func newTestWatcher(t *testing.T) *watcher.Store {
	t.Helper()

	ws, err := watcher.Open(filepath.Join(t.TempDir(), "watcher"), []string{testSource})
	if err != nil {
		t.Fatalf("open watcher: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	signer, err := watcher.NewSigningKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("new signing key: %v", err)
	}

	blockID := []byte("block-2")
	err = ws.AddBlockSignature(testSource, 2, watcher.SignedBlockTimestamp{
		BlockID:   blockID,
		SignerKey: signer.PublicKeyBytes(),
		Signature: signer.Sign(blockID),
		SignedAt:  1700000000,
	})
	if err != nil {
		t.Fatalf("add signature: %v", err)
	}

	return ws
}

// newTestShard starts a store server over the given block range and
// returns it with its measurement.
func newTestShard(t *testing.T, shard sharding.BlockRange, spentImg wire.KeyImage) (*store.Server, attest.Measurement) {
	t.Helper()

	_, identity, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	server, err := store.NewServer(store.Config{
		Addr:           "127.0.0.1:0",
		Identity:       identity,
		ChainID:        "test",
		Shard:          shard,
		TableCapacity:  1024,
		FollowInterval: 10 * time.Millisecond,
	}, newTestLedger(t, spentImg), watcher.NewResolver(newTestWatcher(t)))
	if err != nil {
		t.Fatalf("start shard: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	return server, attest.MeasurementOf(identity.Public().(ed25519.PublicKey), "test")
}

type routerFixture struct {
	router   *Server
	identity ed25519.PrivateKey
	shards   []*store.Server
	spentImg wire.KeyImage
}

// newRouterFixture starts two store shards and a router over them.
func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	var spentImg wire.KeyImage
	spentImg[0] = 0x42

	shardA, measA := newTestShard(t, sharding.BlockRange{Start: 0, End: 2}, spentImg)
	shardB, measB := newTestShard(t, sharding.BlockRange{Start: 2, End: 100}, spentImg)

	directory, err := sharding.NewDirectory(sharding.StaticSource([]sharding.Endpoint{
		{Addr: shardA.Addr(), Range: shardA.Shard()},
		{Addr: shardB.Addr(), Range: shardB.Shard()},
	}), time.Minute)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	t.Cleanup(func() { directory.Close() })

	_, identity, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	router, err := NewServer(Config{
		Addr:          "127.0.0.1:0",
		Identity:      identity,
		ChainID:       "test",
		StoreVerifier: attest.NewVerifier("test", []attest.Measurement{measA, measB}),
		Retry:         connect.RetryConfig{MaxAttempts: 2, BackoffDelay: 10 * time.Millisecond},
		QueryTimeout:  5 * time.Second,
	}, directory)
	if err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { router.Close() })

	return &routerFixture{
		router:   router,
		identity: identity,
		shards:   []*store.Server{shardA, shardB},
		spentImg: spentImg,
	}
}

func (f *routerFixture) newTestChannel(t *testing.T) *connect.Channel {
	t.Helper()

	measurement := attest.MeasurementOf(f.identity.Public().(ed25519.PublicKey), "test")
	verifier := attest.NewVerifier("test", []attest.Measurement{measurement})

	channel, err := connect.NewChannel(f.router.Addr(), verifier)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	t.Cleanup(func() { channel.Close() })

	return channel
}

func queryImages(t *testing.T, channel *connect.Channel, images ...wire.KeyImage) (*wire.CheckKeyImagesResponse, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	body, err := wire.Marshal(&wire.CheckKeyImagesRequest{KeyImages: images})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	raw, err := channel.Call(ctx, wire.MethodCheckKeyImages, body)
	if err != nil {
		return nil, err
	}

	resp := new(wire.CheckKeyImagesResponse)
	if err := wire.Unmarshal(raw, resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	return resp, nil
}

func TestRouterMergesShardAnswers(t *testing.T) {
	f := newRouterFixture(t)
	channel := f.newTestChannel(t)

	var unknown wire.KeyImage
	unknown[0] = 0x99

	resp, err := queryImages(t, channel, f.spentImg, unknown)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if resp.NumBlocks != 3 {
		t.Errorf("NumBlocks = %d, want 3", resp.NumBlocks)
	}

	spentResult := resp.Results[0]
	if spentResult.Code != wire.KeyImageSpent || spentResult.SpentAt != 2 {
		t.Errorf("spent result = %+v", spentResult)
	}
	if spentResult.Timestamp != 1700000000 || spentResult.TimestampResultCode != wire.TimestampFound {
		t.Errorf("spent timestamp = %+v", spentResult)
	}

	unknownResult := resp.Results[1]
	if unknownResult.Code != wire.KeyImageNotSpent {
		t.Errorf("unknown result = %+v", unknownResult)
	}
	if unknownResult.Timestamp != wire.MaxTimestamp {
		t.Errorf("unknown ts = %d, want sentinel", unknownResult.Timestamp)
	}
}

func TestRouterFailsClosedWhenShardDown(t *testing.T) {
	f := newRouterFixture(t)
	channel := f.newTestChannel(t)

	if err := f.shards[1].Close(); err != nil {
		t.Fatalf("close shard: %v", err)
	}

	if _, err := queryImages(t, channel, f.spentImg); err == nil {
		t.Fatal("query succeeded with a shard down")
	}
}
