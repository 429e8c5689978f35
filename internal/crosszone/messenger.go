package crosszone

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"zoneworld/internal/aura"
)

const (
	// BroadcastSubject reaches every zone at once.
	BroadcastSubject = "zones.all"

	// DefaultInboxSize bounds the messages parked between ticks. When the
	// inbox is full new messages are dropped, not blocked on; the aura and
	// status streams are refreshed every tick anyway.
	DefaultInboxSize = 256
)

// ZoneSubject is the per-zone NATS subject.
func ZoneSubject(zoneID uint32) string {
	return fmt.Sprintf("zones.%d", zoneID)
}

// Messenger is one zone's connection to its peers. Sends can happen from
// any goroutine; received envelopes queue in a bounded inbox that the zone
// tick drains with Drain, so handling happens on the tick like everything
// else.
type Messenger struct {
	zoneID uint32
	nc     *nats.Conn
	log    *log.Logger

	inbox   chan Envelope
	subs    []*nats.Subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewMessenger(zoneID uint32, nc *nats.Conn, logger *log.Logger) *Messenger {
	if logger == nil {
		logger = log.Default()
	}
	return &Messenger{
		zoneID: zoneID,
		nc:     nc,
		log:    logger,
		inbox:  make(chan Envelope, DefaultInboxSize),
	}
}

// Start subscribes to this zone's subject and the broadcast subject.
func (m *Messenger) Start() error {
	for _, subject := range []string{ZoneSubject(m.zoneID), BroadcastSubject} {
		sub, err := m.nc.Subscribe(subject, m.onMessage)
		if err != nil {
			m.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		m.subs = append(m.subs, sub)
	}
	m.log.Printf("crosszone: zone %d listening on %s and %s", m.zoneID, ZoneSubject(m.zoneID), BroadcastSubject)
	return nil
}

// Close drops the subscriptions. Queued envelopes stay drainable.
func (m *Messenger) Close() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
}

func (m *Messenger) onMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		m.log.Printf("crosszone: zone %d dropping malformed message on %s: %v", m.zoneID, msg.Subject, err)
		return
	}
	// A zone hears its own broadcasts; skip them.
	if env.SourceZone == m.zoneID {
		return
	}
	if env.TargetZone != 0 && env.TargetZone != m.zoneID {
		return
	}
	select {
	case m.inbox <- env:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.log.Printf("crosszone: zone %d inbox full, dropping %s from zone %d", m.zoneID, env.Type, env.SourceZone)
		}
	}
}

// Drain removes up to max queued envelopes without blocking. A max of zero
// or less drains everything queued so far.
func (m *Messenger) Drain(max int) []Envelope {
	var out []Envelope
	for {
		if max > 0 && len(out) >= max {
			return out
		}
		select {
		case env := <-m.inbox:
			out = append(out, env)
		default:
			return out
		}
	}
}

// Dropped reports how many envelopes were lost to a full inbox.
func (m *Messenger) Dropped() uint64 {
	return m.dropped.Load()
}

// Send publishes a typed payload to one zone's subject.
func (m *Messenger) Send(target uint32, typ MessageType, payload any) error {
	return m.publish(ZoneSubject(target), target, typ, payload)
}

// Broadcast publishes a typed payload to every zone.
func (m *Messenger) Broadcast(typ MessageType, payload any) error {
	return m.publish(BroadcastSubject, 0, typ, payload)
}

func (m *Messenger) publish(subject string, target uint32, typ MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env := Envelope{
		Type:       typ,
		SourceZone: m.zoneID,
		TargetZone: target,
		Sequence:   m.seq.Add(1),
		SentAt:     time.Now().UTC(),
		Payload:    raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	if err := m.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", typ, subject, err)
	}
	return nil
}

// SendEntitySync projects owned boundary entities to one neighbor.
func (m *Messenger) SendEntitySync(target uint32, tick uint64, entities []aura.NeighborState) error {
	return m.Send(target, TypeEntitySync, EntitySyncPayload{Tick: tick, Entities: entities})
}

// SendMigrationSnapshot tells the destination a snapshot is ready for
// pickup, carrying an inline copy and the client's reconnect token.
func (m *Messenger) SendMigrationSnapshot(target uint32, playerID uint64, sequence uint32, snapshot []byte, token string) error {
	return m.Send(target, TypeMigrationSnapshot, MigrationSnapshotPayload{
		PlayerID: playerID,
		Sequence: sequence,
		Snapshot: snapshot,
		Token:    token,
	})
}

// SendMigrationConfirm acknowledges a landed migration back to the source.
func (m *Messenger) SendMigrationConfirm(target uint32, playerID uint64, sequence uint32) error {
	return m.Send(target, TypeMigrationConfirm, MigrationConfirmPayload{
		PlayerID: playerID,
		Sequence: sequence,
	})
}

// SendHandoffComplete reports to the source zone that the migrating client
// finished switching connections.
func (m *Messenger) SendHandoffComplete(target uint32, playerID uint64, success bool) error {
	return m.Send(target, TypeHandoffComplete, HandoffCompletePayload{
		PlayerID: playerID,
		Success:  success,
	})
}

// BroadcastStatus announces this zone's state and load to everyone.
func (m *Messenger) BroadcastStatus(status ZoneStatusPayload) error {
	return m.Broadcast(TypeZoneStatus, status)
}
