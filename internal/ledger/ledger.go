// Package ledger implements the append-only block store the query tier
// reads from: blocks, transaction outputs with global indices, and
// merkle membership-proof material.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"Shardveil/internal/storage"
	"Shardveil/internal/wire"
)

// Storage key prefixes.
var (
	prefixBlock  = []byte("b:") // prefixBlock + 8-byte BE block index -> Block record
	prefixTxOut  = []byte("t:") // prefixTxOut + 8-byte BE global index -> TxOut record
	prefixPubKey = []byte("p:") // prefixPubKey + 32-byte pubkey -> 8-byte BE global index
	keyNumBlocks = []byte("m:num_blocks")
	keyNumTxOuts = []byte("m:num_txouts")
)

// ErrNotFound is returned when a block or tx out does not exist.
var ErrNotFound = errors.New("ledger: not found")

// TxOut is one transaction output.
type TxOut struct {
	// PublicKey is the output's one-time public key, unique per output.
	PublicKey [32]byte `cramberry:"1"`
	// Data is the opaque remainder of the output record (commitment,
	// masked amount, hints). The query tier never interprets it.
	Data []byte `cramberry:"2"`
	// BlockIndex is the block this output appeared in.
	BlockIndex uint64 `cramberry:"3"`
	// GlobalIndex is the output's position in the global ordering.
	GlobalIndex uint64 `cramberry:"4"`
}

// Block is the stored per-block record.
type Block struct {
	Index uint64 `cramberry:"1"`
	// TxOutStart is the global index of the block's first output.
	TxOutStart uint64 `cramberry:"2"`
	TxOutCount uint32 `cramberry:"3"`
	// KeyImages are the spend markers consumed by this block.
	KeyImages []wire.KeyImage `cramberry:"4"`
}

// Ledger is the pebble-backed block store.
// Reads are safe for concurrent use; appends are serialized.
type Ledger struct {
	db *storage.Store

	mu        sync.RWMutex // mu protects the cached counts during append
	numBlocks uint64       // numBlocks is the cached ledger height
	numTxOuts uint64       // numTxOuts is the cached global output count
}

// Open opens (or creates) a ledger at the given path.
func Open(path string) (*Ledger, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.loadCounts(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// NumBlocks returns the ledger height (number of blocks).
func (l *Ledger) NumBlocks() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.numBlocks
}

// NumTxOuts returns the global transaction-output count.
func (l *Ledger) NumTxOuts() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.numTxOuts
}

// AppendBlock appends a block containing the given outputs and key images
// and returns its index. The origin block (index 0) must not consume key
// images.
func (l *Ledger) AppendBlock(outputs []TxOut, keyImages []wire.KeyImage) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.numBlocks
	if index == 0 && len(keyImages) > 0 {
		return 0, fmt.Errorf("origin block cannot consume key images")
	}

	pairs := make([]storage.KeyValue, 0, 2*len(outputs)+3)
	start := l.numTxOuts

	for i := range outputs {
		outputs[i].BlockIndex = index
		outputs[i].GlobalIndex = start + uint64(i)

		rec, err := wire.Marshal(&outputs[i])
		if err != nil {
			return 0, fmt.Errorf("encode tx out: %w", err)
		}

		pairs = append(pairs,
			storage.KeyValue{Key: txOutKey(outputs[i].GlobalIndex), Value: rec},
			storage.KeyValue{Key: pubKeyKey(outputs[i].PublicKey), Value: be64(outputs[i].GlobalIndex)},
		)
	}

	block := &Block{
		Index:      index,
		TxOutStart: start,
		TxOutCount: uint32(len(outputs)),
		KeyImages:  keyImages,
	}

	rec, err := wire.Marshal(block)
	if err != nil {
		return 0, fmt.Errorf("encode block: %w", err)
	}

	pairs = append(pairs,
		storage.KeyValue{Key: blockKey(index), Value: rec},
		storage.KeyValue{Key: keyNumBlocks, Value: be64(index + 1)},
		storage.KeyValue{Key: keyNumTxOuts, Value: be64(start + uint64(len(outputs)))},
	)

	if err := l.db.SetBatch(pairs); err != nil {
		return 0, fmt.Errorf("write block %d: %w", index, err)
	}

	l.numBlocks = index + 1
	l.numTxOuts = start + uint64(len(outputs))

	return index, nil
}

// GetBlock returns the block at the given index.
func (l *Ledger) GetBlock(index uint64) (*Block, error) {
	raw, err := l.db.Get(blockKey(index))
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", index, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	block := new(Block)
	if err := wire.Unmarshal(raw, block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", index, err)
	}

	return block, nil
}

// GetTxOut returns the output at the given global index.
func (l *Ledger) GetTxOut(globalIndex uint64) (*TxOut, error) {
	raw, err := l.db.Get(txOutKey(globalIndex))
	if err != nil {
		return nil, fmt.Errorf("read tx out %d: %w", globalIndex, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	txOut := new(TxOut)
	if err := wire.Unmarshal(raw, txOut); err != nil {
		return nil, fmt.Errorf("decode tx out %d: %w", globalIndex, err)
	}

	return txOut, nil
}

// TxOutByPubKey returns the output with the given public key, if any.
func (l *Ledger) TxOutByPubKey(pubKey [32]byte) (*TxOut, error) {
	raw, err := l.db.Get(pubKeyKey(pubKey))
	if err != nil {
		return nil, fmt.Errorf("read pubkey index: %w", err)
	}
	if raw == nil || len(raw) != 8 {
		return nil, ErrNotFound
	}

	return l.GetTxOut(binary.BigEndian.Uint64(raw))
}

// BlockOutputs returns all outputs of the given block.
func (l *Ledger) BlockOutputs(block *Block) ([]TxOut, error) {
	outputs := make([]TxOut, 0, block.TxOutCount)

	for i := uint64(0); i < uint64(block.TxOutCount); i++ {
		txOut, err := l.GetTxOut(block.TxOutStart + i)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, *txOut)
	}

	return outputs, nil
}

// KeyImagesInRange calls fn for every key image consumed in blocks
// [start, end). Missing blocks at the tail are skipped silently so
// callers can pass a range extending past the current height.
func (l *Ledger) KeyImagesInRange(start, end uint64, fn func(img wire.KeyImage, blockIndex uint64) error) error {
	height := l.NumBlocks()
	if end > height {
		end = height
	}

	for index := start; index < end; index++ {
		block, err := l.GetBlock(index)
		if err != nil {
			return err
		}

		for _, img := range block.KeyImages {
			if err := fn(img, index); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadCounts reads the persisted block and output counts.
func (l *Ledger) loadCounts() error {
	raw, err := l.db.Get(keyNumBlocks)
	if err != nil {
		return fmt.Errorf("read block count: %w", err)
	}
	if len(raw) == 8 {
		l.numBlocks = binary.BigEndian.Uint64(raw)
	}

	raw, err = l.db.Get(keyNumTxOuts)
	if err != nil {
		return fmt.Errorf("read tx out count: %w", err)
	}
	if len(raw) == 8 {
		l.numTxOuts = binary.BigEndian.Uint64(raw)
	}

	return nil
}

// blockKey builds the storage key for a block index.
func blockKey(index uint64) []byte {
	return append(append([]byte{}, prefixBlock...), be64(index)...)
}

// txOutKey builds the storage key for a global output index.
func txOutKey(index uint64) []byte {
	return append(append([]byte{}, prefixTxOut...), be64(index)...)
}

// pubKeyKey builds the storage key for the pubkey index.
func pubKeyKey(pubKey [32]byte) []byte {
	return append(append([]byte{}, prefixPubKey...), pubKey[:]...)
}

// be64 encodes v as 8 big-endian bytes.
func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)

	return buf[:]
}
