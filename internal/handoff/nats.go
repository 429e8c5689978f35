package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSStore keeps snapshots in a JetStream key-value bucket. Expiry is
// enforced at the bucket level, so the per-call TTL is ignored here; size
// the bucket TTL above the migration timeout when creating the store.
//
// NATS key syntax has no ':', so the canonical snapshot keys are mapped to
// '.' separated form on the way in and that mapping never leaks back out.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore opens the named bucket, creating it with the given TTL when
// it does not exist yet.
func NewNATSStore(nc *nats.Conn, bucket string, ttl time.Duration) (*NATSStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "zone migration snapshots",
			TTL:         ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open key-value bucket %q: %w", bucket, err)
	}
	return &NATSStore{kv: kv}, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.kv.Put(natsKey(key), value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Purge(natsKey(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func natsKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
