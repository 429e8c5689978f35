// Package handoff provides the shared medium migration snapshots travel
// through between zones. A source zone parks the serialized entity under a
// well-known key with a TTL; the destination picks it up, and the TTL
// reclaims snapshots nobody collected. The store must outlive a migration
// timeout or the destination can lose the race against expiry.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("handoff: key not found")

// DefaultBucket is the store namespace every zone in a cluster parks its
// snapshots under. Source and destination must agree on it.
const DefaultBucket = "zone-migrations"

// Store is the expiring key-value surface snapshots are parked in.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// SnapshotKey names the slot a migration snapshot is parked in. Keys are
// addressed by the destination so a zone can enumerate or poll what is
// inbound for it.
func SnapshotKey(targetZone uint32, playerID uint64, sequence uint32) string {
	return fmt.Sprintf("zone:%d:migration:%d:%d", targetZone, playerID, sequence)
}
