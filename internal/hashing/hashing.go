// Package hashing provides the digest primitives the ledger is built on:
// content hashing, per-record chain hashing, and Merkle roots over batches.
// All digests are SHA-256 rendered as 64-character lowercase hex strings.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// GenesisHash is the fixed predecessor value for the first event of a record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrNoLeaves indicates a Merkle root was requested for an empty leaf set.
// An empty tree has no canonical root, so the caller must reject empty batches.
var ErrNoLeaves = errors.New("hashing: merkle root requires at least one leaf")

const fieldSeparator = "\x1f"

// Content returns the hex-encoded SHA-256 digest of raw bytes.
func Content(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EventFields carries the immutable event fields that feed the chain hash.
type EventFields struct {
	RecordID         string
	EventType        string
	Action           string
	Data             string
	ReferenceEventID string
	CreatedByID      string
	Timestamp        int64
}

// Chain computes an event's hash from its immutable fields and the hash of
// its predecessor in the same record's chain. The first event of a record
// uses GenesisHash as its predecessor. Fields are joined with a unit
// separator so no concatenation of values can collide with another.
func Chain(fields EventFields, previousHash string) string {
	canonical := strings.Join([]string{
		fields.RecordID,
		fields.EventType,
		fields.Action,
		fields.Data,
		fields.ReferenceEventID,
		fields.CreatedByID,
		strconv.FormatInt(fields.Timestamp, 10),
		previousHash,
	}, fieldSeparator)
	return Content([]byte(canonical))
}

// BatchFields carries the fields that feed a batch's own hash.
type BatchFields struct {
	MerkleRoot      string
	PreviousBatchID string
	Timestamp       int64
}

// BatchDigest computes a batch's hash over its Merkle root, its predecessor
// in the batch chain, and its creation timestamp.
func BatchDigest(fields BatchFields) string {
	canonical := strings.Join([]string{
		fields.MerkleRoot,
		fields.PreviousBatchID,
		strconv.FormatInt(fields.Timestamp, 10),
	}, fieldSeparator)
	return Content([]byte(canonical))
}

// MerkleRoot computes the binary Merkle root over leaf hashes in the order
// given. An odd node at any level is promoted to the next level unchanged;
// duplicating the last node is deliberately not done, since duplicate-last
// trees admit two distinct leaf sets with the same root.
func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", ErrNoLeaves
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, Content([]byte(level[i]+level[i+1])))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}
