// Package wire defines the messages exchanged between clients, the
// router, and the key-image stores, serialized with cramberry.
//
// The result-code enums carry stable numeric values that round-trip
// unchanged between client and server; do not renumber.
package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// KeyImageSize is the size of a key image in bytes.
const KeyImageSize = 32

// KeyImage is the one-time spend marker recorded when an output is consumed.
type KeyImage [KeyImageSize]byte

// String returns a short hex prefix for logging.
func (k KeyImage) String() string {
	return hex.EncodeToString(k[:4])
}

// TimestampResultCode describes the outcome of a block timestamp lookup.
type TimestampResultCode uint32

const (
	TimestampUnused       TimestampResultCode = 0
	TimestampFound        TimestampResultCode = 1
	WatcherBehind         TimestampResultCode = 2
	TimestampUnavailable  TimestampResultCode = 3
	WatcherDatabaseError  TimestampResultCode = 4
	BlockIndexOutOfBounds TimestampResultCode = 5
)

// MaxTimestamp is the sentinel for "unknown / unbounded future".
const MaxTimestamp = ^uint64(0)

// KeyImageResultCode describes the spend status of one key image.
type KeyImageResultCode uint32

const (
	KeyImageUnused   KeyImageResultCode = 0
	KeyImageSpent    KeyImageResultCode = 1
	KeyImageNotSpent KeyImageResultCode = 2
	KeyImageError    KeyImageResultCode = 3
)

// TxOutResultCode describes the outcome of a tx-out existence lookup.
type TxOutResultCode uint32

const (
	TxOutUnused        TxOutResultCode = 0
	TxOutFound         TxOutResultCode = 1
	TxOutNotFound      TxOutResultCode = 2
	TxOutDatabaseError TxOutResultCode = 3
)

// Method identifies an attested RPC method.
type Method uint32

const (
	MethodCheckKeyImages Method = 1
)

// Status is the per-call status carried in a Response.
type Status uint32

const (
	StatusOK Status = 0
	// StatusResourceExhausted signals the response would exceed the
	// negotiated size limit. Retrying cannot shrink the response.
	StatusResourceExhausted Status = 1
	StatusInvalidRequest    Status = 2
	StatusInternal          Status = 3
)

// Request is the envelope for one attested call.
type Request struct {
	Method Method `cramberry:"1"`
	Body   []byte `cramberry:"2"`
}

// Response is the envelope for one attested call result.
type Response struct {
	Status  Status `cramberry:"1"`
	Message string `cramberry:"2"`
	Body    []byte `cramberry:"3"`
}

// CheckKeyImagesRequest asks whether the given key images have been spent.
type CheckKeyImagesRequest struct {
	KeyImages []KeyImage `cramberry:"1"`
}

// KeyImageResult is the per-image answer.
// SpentAt is meaningful only when Code == KeyImageSpent.
type KeyImageResult struct {
	KeyImage            KeyImage            `cramberry:"1"`
	SpentAt             uint64              `cramberry:"2"`
	Code                KeyImageResultCode  `cramberry:"3"`
	Timestamp           uint64              `cramberry:"4"`
	TimestampResultCode TimestampResultCode `cramberry:"5"`
}

// CheckKeyImagesResponse is the full answer for one query.
// NumBlocks is the responding server's view of the ledger height.
type CheckKeyImagesResponse struct {
	NumBlocks        uint64           `cramberry:"1"`
	GlobalTxOutCount uint64           `cramberry:"2"`
	Results          []KeyImageResult `cramberry:"3"`
}

// Marshal serializes a wire message.
func Marshal(v any) ([]byte, error) {
	data, err := cramberry.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire marshal: %w", err)
	}

	return data, nil
}

// Unmarshal deserializes a wire message.
func Unmarshal(data []byte, v any) error {
	if err := cramberry.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire unmarshal: %w", err)
	}

	return nil
}
