// Package crosszone carries zone-to-zone traffic over NATS: aura entity
// sync, migration snapshots and confirmations, and zone status heartbeats.
// Each zone owns one subject plus a shared broadcast subject; envelopes are
// JSON with a type tag and an opaque payload.
package crosszone

import (
	"encoding/json"
	"fmt"
	"time"

	"zoneworld/internal/aura"
)

type MessageType string

const (
	TypeEntitySync        MessageType = "entity_sync"
	TypeMigrationSnapshot MessageType = "migration_snapshot"
	TypeMigrationConfirm  MessageType = "migration_confirm"
	TypeHandoffComplete   MessageType = "handoff_complete"
	TypeZoneStatus        MessageType = "zone_status"
	TypeBroadcast         MessageType = "broadcast"
)

// Envelope frames every cross-zone message. TargetZone zero means the
// message went to the broadcast subject.
type Envelope struct {
	Type       MessageType     `json:"type"`
	SourceZone uint32          `json:"source_zone"`
	TargetZone uint32          `json:"target_zone,omitempty"`
	Sequence   uint64          `json:"seq"`
	SentAt     time.Time       `json:"sent_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EntitySyncPayload projects owned boundary entities into a neighbor.
type EntitySyncPayload struct {
	Tick     uint64               `json:"tick"`
	Entities []aura.NeighborState `json:"entities"`
}

// MigrationSnapshotPayload notifies the destination that a snapshot is
// ready. The snapshot travels inline (JSON base64s it); the hand-off store
// holds the durable copy under the same player and sequence. Token is the
// one-time credential the migrating client will present when it reconnects
// to the destination.
type MigrationSnapshotPayload struct {
	PlayerID uint64 `json:"player_id"`
	Sequence uint32 `json:"seq"`
	Snapshot []byte `json:"snapshot,omitempty"`
	Token    string `json:"token,omitempty"`
}

// MigrationConfirmPayload tells the source zone the destination took over.
type MigrationConfirmPayload struct {
	PlayerID uint64 `json:"player_id"`
	Sequence uint32 `json:"seq"`
}

// HandoffCompletePayload reports that the migrating client finished (or
// failed) switching its connection to the destination zone.
type HandoffCompletePayload struct {
	PlayerID uint64 `json:"player_id"`
	Success  bool   `json:"success"`
}

// ZoneStatusPayload is the heartbeat every zone broadcasts.
type ZoneStatusPayload struct {
	ZoneID      uint32 `json:"zone_id"`
	State       string `json:"state"`
	PlayerCount int    `json:"player_count"`
	MaxPlayers  int    `json:"max_players"`
	Tick        uint64 `json:"tick"`
	Endpoint    string `json:"endpoint,omitempty"`
}

func (e *Envelope) DecodeEntitySync() (EntitySyncPayload, error) {
	var p EntitySyncPayload
	err := e.decode(TypeEntitySync, &p)
	return p, err
}

func (e *Envelope) DecodeMigrationSnapshot() (MigrationSnapshotPayload, error) {
	var p MigrationSnapshotPayload
	err := e.decode(TypeMigrationSnapshot, &p)
	return p, err
}

func (e *Envelope) DecodeMigrationConfirm() (MigrationConfirmPayload, error) {
	var p MigrationConfirmPayload
	err := e.decode(TypeMigrationConfirm, &p)
	return p, err
}

func (e *Envelope) DecodeHandoffComplete() (HandoffCompletePayload, error) {
	var p HandoffCompletePayload
	err := e.decode(TypeHandoffComplete, &p)
	return p, err
}

func (e *Envelope) DecodeZoneStatus() (ZoneStatusPayload, error) {
	var p ZoneStatusPayload
	err := e.decode(TypeZoneStatus, &p)
	return p, err
}

func (e *Envelope) decode(want MessageType, into any) error {
	if e.Type != want {
		return fmt.Errorf("crosszone: decode %s envelope as %s", e.Type, want)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("crosszone: decode %s payload: %w", want, err)
	}
	return nil
}
