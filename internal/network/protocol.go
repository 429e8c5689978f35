// Package network is the client-facing UDP transport of a zone server.
// Messages are JSON envelopes with a type tag, loosely ordered by a sender
// sequence; the simulation stays authoritative, so a lost datagram is never
// resent.
package network

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageJoin               MessageType = "join"
	MessageJoinAck            MessageType = "joinAck"
	MessageLeave              MessageType = "leave"
	MessagePositionUpdate     MessageType = "positionUpdate"
	MessageStateSnapshot      MessageType = "stateSnapshot"
	MessageHandoffInstruction MessageType = "handoffInstruction"
	MessagePing               MessageType = "ping"
	MessagePong               MessageType = "pong"
)

type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// Join is the first message a client sends to a zone. Token is only set
// when the client arrives through a handoff from a neighboring zone.
type Join struct {
	PlayerID uint64 `json:"playerId"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

type JoinAck struct {
	PlayerID  uint64 `json:"playerId"`
	ZoneID    uint32 `json:"zoneId"`
	EntityRef uint32 `json:"entityRef"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	TickRate  string `json:"tickRate,omitempty"`
}

type Leave struct {
	PlayerID uint64 `json:"playerId"`
}

// PositionUpdate carries one input frame. Coordinates are meters; the
// server converts to fixed point at the boundary.
type PositionUpdate struct {
	PlayerID    uint64  `json:"playerId"`
	Sequence    uint32  `json:"seq"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	VX          float64 `json:"vx"`
	VY          float64 `json:"vy"`
	VZ          float64 `json:"vz"`
	Yaw         float32 `json:"yaw"`
	Pitch       float32 `json:"pitch"`
	Buttons     uint8   `json:"buttons"`
	TimestampMs uint32  `json:"timestampMs"`
}

type EntityState struct {
	Ref      uint32  `json:"ref"`
	PlayerID uint64  `json:"playerId,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	VZ       float64 `json:"vz"`
	Yaw      float32 `json:"yaw"`
	Health   int16   `json:"hp"`
	Ghost    bool    `json:"ghost,omitempty"`
}

type StateSnapshot struct {
	ZoneID   uint32        `json:"zoneId"`
	Tick     uint64        `json:"tick"`
	Entities []EntityState `json:"entities"`
}

// HandoffInstruction tells a client to reconnect to another zone, proving
// itself there with the one-time token.
type HandoffInstruction struct {
	PlayerID   uint64 `json:"playerId"`
	TargetZone uint32 `json:"targetZone"`
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	Token      string `json:"token"`
}

type Ping struct {
	Time time.Time `json:"time"`
}

type Pong struct {
	Time       time.Time `json:"time"`
	ServerTime time.Time `json:"serverTime"`
}

func Encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
