package ledger

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"Shardveil/internal/wire"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return l
}

func testOutput(b byte) TxOut {
	var out TxOut
	out.PublicKey[0] = b
	out.Data = []byte{b, b}

	return out
}

func testImage(b byte) wire.KeyImage {
	var img wire.KeyImage
	img[0] = b

	return img
}

func TestAppendAndGetBlock(t *testing.T) {
	l := newTestLedger(t)

	index, err := l.AppendBlock([]TxOut{testOutput(1), testOutput(2)}, nil)
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if index != 0 {
		t.Errorf("first block index = %d", index)
	}

	index, err = l.AppendBlock([]TxOut{testOutput(3)}, []wire.KeyImage{testImage(9)})
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if index != 1 {
		t.Errorf("second block index = %d", index)
	}

	if l.NumBlocks() != 2 {
		t.Errorf("NumBlocks = %d, want 2", l.NumBlocks())
	}
	if l.NumTxOuts() != 3 {
		t.Errorf("NumTxOuts = %d, want 3", l.NumTxOuts())
	}

	block, err := l.GetBlock(1)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if block.TxOutStart != 2 || block.TxOutCount != 1 {
		t.Errorf("block = %+v", block)
	}
	if len(block.KeyImages) != 1 || block.KeyImages[0] != testImage(9) {
		t.Errorf("key images = %v", block.KeyImages)
	}

	if _, err := l.GetBlock(5); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBlock(5) = %v, want ErrNotFound", err)
	}
}

func TestOriginBlockCannotSpend(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.AppendBlock([]TxOut{testOutput(1)}, []wire.KeyImage{testImage(1)}); err == nil {
		t.Fatal("origin block with key images accepted")
	}
}

func TestTxOutLookups(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.AppendBlock([]TxOut{testOutput(1), testOutput(2)}, nil); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	txOut, err := l.GetTxOut(1)
	if err != nil {
		t.Fatalf("GetTxOut: %v", err)
	}
	if txOut.PublicKey[0] != 2 || txOut.GlobalIndex != 1 || txOut.BlockIndex != 0 {
		t.Errorf("txOut = %+v", txOut)
	}

	byKey, err := l.TxOutByPubKey(txOut.PublicKey)
	if err != nil {
		t.Fatalf("TxOutByPubKey: %v", err)
	}
	if byKey.GlobalIndex != 1 || !bytes.Equal(byKey.Data, txOut.Data) {
		t.Errorf("byKey = %+v", byKey)
	}

	var missing [32]byte
	missing[0] = 0xff
	if _, err := l.TxOutByPubKey(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("TxOutByPubKey(missing) = %v, want ErrNotFound", err)
	}
}

func TestBlockOutputs(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.AppendBlock([]TxOut{testOutput(1)}, nil); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if _, err := l.AppendBlock([]TxOut{testOutput(2), testOutput(3)}, nil); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	block, err := l.GetBlock(1)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}

	outputs, err := l.BlockOutputs(block)
	if err != nil {
		t.Fatalf("BlockOutputs: %v", err)
	}
	if len(outputs) != 2 || outputs[0].PublicKey[0] != 2 || outputs[1].PublicKey[0] != 3 {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestKeyImagesInRange(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.AppendBlock([]TxOut{testOutput(1)}, nil); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if _, err := l.AppendBlock(nil, []wire.KeyImage{testImage(1), testImage(2)}); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if _, err := l.AppendBlock(nil, []wire.KeyImage{testImage(3)}); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	seen := make(map[wire.KeyImage]uint64)
	// The range extends past the current height on purpose.
	err := l.KeyImagesInRange(1, 100, func(img wire.KeyImage, blockIndex uint64) error {
		seen[img] = blockIndex
		return nil
	})
	if err != nil {
		t.Fatalf("KeyImagesInRange: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("saw %d images, want 3", len(seen))
	}
	if seen[testImage(1)] != 1 || seen[testImage(2)] != 1 || seen[testImage(3)] != 2 {
		t.Errorf("seen = %v", seen)
	}
}

func TestReopenKeepsCounts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")

	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.AppendBlock([]TxOut{testOutput(1), testOutput(2)}, nil); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.NumBlocks() != 1 {
		t.Errorf("NumBlocks = %d, want 1", reopened.NumBlocks())
	}
	if reopened.NumTxOuts() != 2 {
		t.Errorf("NumTxOuts = %d, want 2", reopened.NumTxOuts())
	}
}
