package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"zoneworld/internal/entity"
)

// snapshotMagic spells "ZSNP" in the first four bytes of an encoded snapshot.
const snapshotMagic uint32 = 0x504E535A

var (
	ErrSnapshotTruncated = errors.New("migration: snapshot truncated")
	ErrSnapshotBadMagic  = errors.New("migration: bad snapshot magic")
)

// EntitySnapshot is the complete serialized state of one migrating player.
// The struct is also the wire format: fields are encoded in declaration
// order, packed, little-endian, preceded by the magic. Every field is fixed
// size, so the encoded length is the same for every snapshot.
type EntitySnapshot struct {
	EntityRef    uint32
	PlayerID     uint64
	SourceZone   uint32
	TargetZone   uint32
	TimestampMs  uint32
	Sequence     uint32
	ConnectionID uint32

	Pos       entity.Position
	Vel       entity.Velocity
	Rot       entity.Rotation
	Combat    entity.Combat
	Net       entity.NetState
	Input     entity.Input
	AntiCheat entity.AntiCheat
}

// SnapshotSize is the exact encoded length of an EntitySnapshot, magic
// included.
var SnapshotSize = 4 + binary.Size(EntitySnapshot{})

// NewEntitySnapshot captures the migrating entity's full state.
func NewEntitySnapshot(h entity.Handle, e *entity.Entity, sourceZone, targetZone, sequence uint32, now time.Time) EntitySnapshot {
	return EntitySnapshot{
		EntityRef:    h.Ref(),
		PlayerID:     e.Player.PlayerID,
		SourceZone:   sourceZone,
		TargetZone:   targetZone,
		TimestampMs:  uint32(now.UnixMilli()),
		Sequence:     sequence,
		ConnectionID: e.Player.ConnectionID,
		Pos:          e.Pos,
		Vel:          e.Vel,
		Rot:          e.Rot,
		Combat:       e.Combat,
		Net:          e.Net,
		Input:        e.Input,
		AntiCheat:    e.AntiCheat,
	}
}

// Apply copies the snapshot state into a freshly spawned or re-homed entity.
func (s *EntitySnapshot) Apply(e *entity.Entity) {
	e.Pos = s.Pos
	e.Vel = s.Vel
	e.Rot = s.Rot
	e.Combat = s.Combat
	e.Net = s.Net
	e.Input = s.Input
	e.AntiCheat = s.AntiCheat
	e.Player.PlayerID = s.PlayerID
	e.Player.ConnectionID = s.ConnectionID
}

// MarshalBinary encodes the snapshot into its fixed wire layout.
func (s *EntitySnapshot) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SnapshotSize))
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], snapshotMagic)
	buf.Write(magic[:])
	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a snapshot, rejecting short input and input that
// does not start with the magic. It never panics on hostile data.
func (s *EntitySnapshot) UnmarshalBinary(data []byte) error {
	if len(data) < SnapshotSize {
		return ErrSnapshotTruncated
	}
	if binary.LittleEndian.Uint32(data[:4]) != snapshotMagic {
		return ErrSnapshotBadMagic
	}
	if err := binary.Read(bytes.NewReader(data[4:SnapshotSize]), binary.LittleEndian, s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
