// Package model holds the durable data shapes shared by the store, the send
// and receive engines, and the custody manager. No single engine owns this
// package; each owns its own in-memory view built on top of it.
package model

import (
	"encoding/json"
	"time"
)

// BundleState is the lifecycle state of a Bundle. A bundle moves forward
// only: sending/receiving -> delivered. custody_transferred is set by the
// sender when custody is released; it is stored in the same single state
// field, so it replaces the bundle's previous state value.
type BundleState string

const (
	BundleSending             BundleState = "sending"
	BundleReceiving           BundleState = "receiving"
	BundleDelivered           BundleState = "delivered"
	BundleCustodyTransferred  BundleState = "custody_transferred"
	BundleExpired             BundleState = "expired"
)

// Bundle is the unit of transfer: a file plus delivery metadata.
type Bundle struct {
	BundleID            string
	Src                 string
	Dst                 string
	TTLSec              int64
	State               BundleState
	TotalChunks         int64
	BytesSent           int64
	ChunksRetransmitted int64
	FECEnabled          bool
	K                   int
	R                   int
	FilePath            string
	FileSize            int64
	CreatedAt           time.Time
}

// ExpiredAt reports whether the bundle's TTL has elapsed as of now.
func (b *Bundle) ExpiredAt(now time.Time) bool {
	return now.Sub(b.CreatedAt) > time.Duration(b.TTLSec)*time.Second
}

// Chunk is a bounded payload addressed by (BundleID, ChunkID). Immutable
// once written.
type Chunk struct {
	BundleID string
	ChunkID  uint32
	IsParity bool
	BlockID  uint32
	K        int
	R        int
	Payload  []byte
	Checksum uint32
	Flags    uint8
}

// ChunkRange is an inclusive-exclusive [Lo, Hi) range of chunk ids covered
// by a custody record, serialized on the wire and in storage as a JSON
// [lo, hi] pair.
type ChunkRange struct {
	Lo int64
	Hi int64
}

// MarshalJSON encodes the range as a [lo, hi] pair.
func (r ChunkRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{r.Lo, r.Hi})
}

// UnmarshalJSON decodes a [lo, hi] pair.
func (r *ChunkRange) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	r.Lo, r.Hi = pair[0], pair[1]
	return nil
}

// CustodyState is the lifecycle of a CustodyRecord.
type CustodyState string

const (
	CustodyPending  CustodyState = "pending"
	CustodyAccepted CustodyState = "accepted"
	CustodyComplete CustodyState = "complete"
	CustodyFailed   CustodyState = "failed"
)

// CustodyRecord tracks a node's promise to deliver a bundle it has accepted
// custody of.
type CustodyRecord struct {
	BundleID    string
	OwnerNode   string
	Ranges      []ChunkRange
	RetryTimer  time.Time
	RetryCount  int
	MaxRetries  int
	State       CustodyState
}
