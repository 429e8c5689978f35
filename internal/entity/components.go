package entity

import "math"

type Position struct {
	X, Y, Z     Fixed
	TimestampMs uint32
}

func PositionFromMeters(x, y, z float64) Position {
	return Position{X: FixedFromMeters(x), Y: FixedFromMeters(y), Z: FixedFromMeters(z)}
}

type Velocity struct {
	DX, DY, DZ Fixed
}

func (v Velocity) SpeedMeters() float64 {
	dx := v.DX.Meters()
	dy := v.DY.Meters()
	dz := v.DZ.Meters()
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type Rotation struct {
	Yaw   float32
	Pitch float32
}

type Combat struct {
	Health         int16
	MaxHealth      int16
	TeamID         uint8
	ClassType      uint8
	LastAttacker   uint32
	LastAttackTime uint32
	Dead           bool
}

type NetState struct {
	LastInputSequence uint32
	LastInputTime     uint32
	RTTMs             uint32
	PacketLoss        float32
	SnapshotSequence  uint32
}

// Input button bits, packed to one byte on the wire.
const (
	ButtonForward uint8 = 1 << iota
	ButtonBackward
	ButtonLeft
	ButtonRight
	ButtonJump
	ButtonAttack
	ButtonBlock
	ButtonSprint
)

type Input struct {
	Buttons     uint8
	Yaw         float32
	Pitch       float32
	Sequence    uint32
	TimestampMs uint32
}

func (in Input) Pressed(button uint8) bool {
	return in.Buttons&button != 0
}

func (in Input) HasMovement() bool {
	return in.Buttons&(ButtonForward|ButtonBackward|ButtonLeft|ButtonRight) != 0
}

type AntiCheat struct {
	LastValidPosition  Position
	LastValidationTime uint32
	SuspiciousMoves    uint32
	MaxRecordedSpeed   float32
	InputCount         uint32
	InputWindowStart   uint32
}

type PlayerInfo struct {
	PlayerID     uint64
	ConnectionID uint32
	Username     string
	SessionStart uint64
}

// Entity is the full component set simulated for one world object. The
// registry stores entities by value; callers mutate through the pointer
// returned by Get.
type Entity struct {
	Pos       Position
	Vel       Velocity
	Rot       Rotation
	Combat    Combat
	Net       NetState
	Input     Input
	AntiCheat AntiCheat
	Player    PlayerInfo
}
