// Package server runs one zone of the sharded world. The zone owns the
// entities inside its core bounds, mirrors boundary entities with its
// neighbors through the aura tracker, migrates entities across the seam,
// and walks connected players through zone hand-offs. All simulation state
// is confined to the tick goroutine; the UDP handlers and the NATS
// subscription only feed bounded queues drained at the top of each tick.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"sync/atomic"
	"time"

	"zoneworld/internal/aura"
	"zoneworld/internal/config"
	"zoneworld/internal/crosszone"
	"zoneworld/internal/entity"
	"zoneworld/internal/handoff"
	"zoneworld/internal/migration"
	"zoneworld/internal/network"
	"zoneworld/internal/partition"
)

const (
	// maxMoveSpeed is the fastest a position update may claim a player
	// moved. Faster samples are rejected and counted against the player.
	maxMoveSpeed = 50.0

	// statusInterval is how often the zone broadcasts its status to peers
	// and the orchestrator.
	statusInterval = time.Second

	// sessionTimeout drops clients that stopped sending position frames
	// without a leave.
	sessionTimeout = 30 * time.Second

	// clientInboxSize bounds client messages parked between ticks.
	clientInboxSize = 1024
)

type session struct {
	playerID uint64
	handle   entity.Handle
	addr     *net.UDPAddr
	joinedAt time.Time
	lastSeen time.Time
}

type clientMsg struct {
	addr *net.UDPAddr
	env  network.Envelope
}

// Server is one running zone.
type Server struct {
	cfg    *config.Config
	logger *log.Logger
	zones  []partition.ZoneDefinition
	self   *partition.ZoneDefinition

	reg        *entity.Registry
	tracker    *aura.Tracker
	migrations *migration.Manager
	queue      *migration.Queue
	handoffs   *HandoffController
	messenger  *crosszone.Messenger
	net        *network.Server

	sessions      map[uint64]*session
	pendingForced map[uint64]struct{}
	connSeq       uint32

	inbox        chan clientMsg
	inboxDropped atomic.Uint64

	tick uint64
}

// New wires a zone server from its configuration. The store holds migration
// snapshots and may be nil in tests; the messenger carries zone-to-zone
// traffic and may be nil to run the zone isolated.
func New(cfg *config.Config, store handoff.Store, messenger *crosszone.Messenger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	logger := log.New(log.Writer(), "zoned ", log.LstdFlags|log.Lmicroseconds)

	zones, err := cfg.World.Zones()
	if err != nil {
		return nil, err
	}
	self := partition.ZoneByID(zones, cfg.Server.ZoneID)
	if self == nil {
		return nil, fmt.Errorf("zone %d not in world topology", cfg.Server.ZoneID)
	}

	netSrv, err := network.Listen(cfg.Server.ListenUDP, logger, 0)
	if err != nil {
		return nil, err
	}

	tracker, err := aura.NewTracker(cfg.Server.ZoneID, zones, logger)
	if err != nil {
		netSrv.Close()
		return nil, err
	}

	migrations := migration.NewManager(cfg.Server.ZoneID, store, logger)
	migrations.SetTimeout(cfg.Migration.Timeout.Duration())
	migrations.SetSnapshotTTL(cfg.Migration.SnapshotTTL.Duration())

	handoffs, err := NewHandoffController(cfg.Server.ZoneID, zones, cfg.Handoff, migrations, logger)
	if err != nil {
		netSrv.Close()
		return nil, err
	}

	srv := &Server{
		cfg:           cfg,
		logger:        logger,
		zones:         zones,
		self:          self,
		reg:           entity.NewRegistry(),
		tracker:       tracker,
		migrations:    migrations,
		queue:         migration.NewQueue(),
		handoffs:      handoffs,
		messenger:     messenger,
		net:           netSrv,
		sessions:      make(map[uint64]*session),
		pendingForced: make(map[uint64]struct{}),
		inbox:         make(chan clientMsg, clientInboxSize),
	}

	migrations.SetSnapshotNotify(srv.notifySnapshot)
	handoffs.SetInstructionFunc(srv.sendHandoffInstruction)
	handoffs.SetFinishedFunc(srv.onHandoffFinished)
	handoffs.SetArrivalExpiredFunc(srv.onArrivalExpired)

	srv.registerHandlers()
	return srv, nil
}

func (s *Server) registerHandlers() {
	s.net.Register(network.MessageJoin, s.enqueueClient)
	s.net.Register(network.MessageLeave, s.enqueueClient)
	s.net.Register(network.MessagePositionUpdate, s.enqueueClient)
	s.net.Register(network.MessagePing, s.onPing)
}

// enqueueClient parks a client message for the tick. A full inbox drops the
// message; position updates are refreshed every frame anyway.
func (s *Server) enqueueClient(_ context.Context, addr *net.UDPAddr, env network.Envelope) {
	select {
	case s.inbox <- clientMsg{addr: addr, env: env}:
	default:
		if s.inboxDropped.Add(1)%100 == 1 {
			s.logger.Printf("client inbox full, dropping %s", env.Type)
		}
	}
}

// onPing answers immediately; it touches no zone state.
func (s *Server) onPing(_ context.Context, addr *net.UDPAddr, env network.Envelope) {
	var ping network.Ping
	if err := json.Unmarshal(env.Payload, &ping); err != nil {
		return
	}
	if err := s.net.SendTo(addr, network.MessagePong, network.Pong{Time: ping.Time, ServerTime: time.Now().UTC()}); err != nil {
		s.logger.Printf("pong send: %v", err)
	}
}

// Run drives the zone until the context ends.
func (s *Server) Run(ctx context.Context) error {
	defer s.net.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := s.net.Serve(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("network server stopped: %v", err)
			cancel()
		}
	}()

	if s.messenger != nil {
		if err := s.messenger.Start(); err != nil {
			return err
		}
		defer s.messenger.Close()
	}

	s.logger.Printf("zone %d serving %s, core x[%.0f,%.0f] z[%.0f,%.0f]",
		s.cfg.Server.ZoneID, s.cfg.Server.ListenUDP,
		s.self.Core.MinX, s.self.Core.MaxX, s.self.Core.MinZ, s.self.Core.MaxZ)

	ticker := time.NewTicker(s.cfg.Server.TickRate.Duration())
	defer ticker.Stop()

	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	s.publishStatus()

	for {
		select {
		case <-ctx.Done():
			s.windDown()
			return ctx.Err()
		case now := <-ticker.C:
			s.step(ctx, now)
		case <-statusTicker.C:
			s.publishStatus()
		}
	}
}

// windDown lets in-flight outbound migrations finish before the process
// exits. Confirms keep being routed while the drain runs; once the
// migration timeout passes the stragglers are cancelled, leaving their
// entities owned here rather than half-moved.
func (s *Server) windDown() {
	if s.migrations.ActiveCount() == 0 {
		return
	}
	timeout := s.cfg.Migration.Timeout.Duration()
	s.logger.Printf("shutdown: draining %d in-flight migrations, up to %s",
		s.migrations.ActiveCount(), timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.Server.TickRate.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := s.migrations.CancelAll(); n > 0 {
				s.logger.Printf("shutdown: drain expired, cancelled %d migrations", n)
			}
			s.migrations.Update(context.Background(), s.reg, time.Now())
			return
		case now := <-ticker.C:
			s.drainConfirms()
			s.migrations.Update(ctx, s.reg, now)
			if s.migrations.ActiveCount() == 0 {
				return
			}
		}
	}
}

// drainConfirms routes only migration confirms. New inbound migrations and
// sync traffic are dropped while shutting down, so the zone winds down
// instead of taking on more state; their sources fail safe by timeout.
func (s *Server) drainConfirms() {
	if s.messenger == nil {
		return
	}
	for _, env := range s.messenger.Drain(0) {
		if env.Type != crosszone.TypeMigrationConfirm {
			continue
		}
		p, err := env.DecodeMigrationConfirm()
		if err != nil {
			continue
		}
		s.migrations.ConfirmPlayer(p.PlayerID, p.Sequence)
	}
}

// step is one simulation tick. Order matters: inbound traffic lands first,
// then migrations and hand-offs advance, then outbound state goes out.
func (s *Server) step(ctx context.Context, now time.Time) {
	s.tick++
	s.tracker.Advance()

	s.drainClientMessages(now)
	s.drainPeerMessages(ctx, now)
	s.sweepSessions(now)
	s.sweepBoundary(now)
	s.drainMigrationQueue()
	s.migrations.Update(ctx, s.reg, now)
	s.handoffs.Update(s.reg, now)
	s.syncAuras()
	s.tracker.PruneStaleGhosts(s.cfg.Server.GhostMaxAgeTicks)
	s.broadcastState()
}

func (s *Server) drainClientMessages(now time.Time) {
	for {
		select {
		case msg := <-s.inbox:
			switch msg.env.Type {
			case network.MessageJoin:
				s.handleJoin(msg.addr, msg.env, now)
			case network.MessageLeave:
				s.handleLeave(msg.env)
			case network.MessagePositionUpdate:
				s.handlePositionUpdate(msg.env, now)
			}
		default:
			return
		}
	}
}

func (s *Server) handleJoin(addr *net.UDPAddr, env network.Envelope, now time.Time) {
	var join network.Join
	if err := json.Unmarshal(env.Payload, &join); err != nil {
		s.logger.Printf("join decode: %v", err)
		return
	}
	if join.PlayerID == 0 {
		s.rejectJoin(addr, join.PlayerID, "missing player id")
		return
	}

	// Hand-off arrival: the entity migrated in ahead of the client.
	if join.Token != "" {
		h, sourceZone, ok := s.handoffs.ValidateArrival(join.PlayerID, join.Token)
		if !ok {
			s.rejectJoin(addr, join.PlayerID, "invalid handoff token")
			return
		}
		s.bindSession(join.PlayerID, h, addr, now)
		s.ackJoin(addr, join.PlayerID, h)
		if s.messenger != nil {
			if err := s.messenger.SendHandoffComplete(sourceZone, join.PlayerID, true); err != nil {
				s.logger.Printf("handoff complete send to zone %d: %v", sourceZone, err)
			}
		}
		s.logger.Printf("player %d arrived from zone %d", join.PlayerID, sourceZone)
		return
	}

	// Reconnect to an entity already live here, migrated or lingering.
	if h, live := s.reg.ByPlayer(join.PlayerID); live {
		s.bindSession(join.PlayerID, h, addr, now)
		s.ackJoin(addr, join.PlayerID, h)
		return
	}

	if len(s.sessions) >= s.cfg.Server.MaxPlayers {
		s.rejectJoin(addr, join.PlayerID, "zone full")
		return
	}

	s.connSeq++
	ent := entity.Entity{
		Pos:    entity.PositionFromMeters(s.self.CenterX, 0, s.self.CenterZ),
		Combat: entity.Combat{Health: 100, MaxHealth: 100},
		Player: entity.PlayerInfo{
			PlayerID:     join.PlayerID,
			ConnectionID: s.connSeq,
			Username:     join.Username,
			SessionStart: uint64(now.Unix()),
		},
	}
	h := s.reg.Spawn(ent)
	s.tracker.Track(h, ent.Pos, ent.Vel)
	s.bindSession(join.PlayerID, h, addr, now)
	s.ackJoin(addr, join.PlayerID, h)
	s.logger.Printf("player %d (%s) joined zone %d", join.PlayerID, join.Username, s.cfg.Server.ZoneID)
}

func (s *Server) bindSession(playerID uint64, h entity.Handle, addr *net.UDPAddr, now time.Time) {
	if sess, ok := s.sessions[playerID]; ok {
		sess.handle = h
		sess.addr = addr
		sess.lastSeen = now
		return
	}
	s.sessions[playerID] = &session{
		playerID: playerID,
		handle:   h,
		addr:     addr,
		joinedAt: now,
		lastSeen: now,
	}
}

func (s *Server) ackJoin(addr *net.UDPAddr, playerID uint64, h entity.Handle) {
	ack := network.JoinAck{
		PlayerID:  playerID,
		ZoneID:    s.cfg.Server.ZoneID,
		EntityRef: h.Ref(),
		Accepted:  true,
		TickRate:  s.cfg.Server.TickRate.Duration().String(),
	}
	if err := s.net.SendTo(addr, network.MessageJoinAck, ack); err != nil {
		s.logger.Printf("join ack send: %v", err)
	}
}

func (s *Server) rejectJoin(addr *net.UDPAddr, playerID uint64, reason string) {
	ack := network.JoinAck{PlayerID: playerID, ZoneID: s.cfg.Server.ZoneID, Reason: reason}
	if err := s.net.SendTo(addr, network.MessageJoinAck, ack); err != nil {
		s.logger.Printf("join reject send: %v", err)
	}
}

func (s *Server) handleLeave(env network.Envelope) {
	var leave network.Leave
	if err := json.Unmarshal(env.Payload, &leave); err != nil {
		s.logger.Printf("leave decode: %v", err)
		return
	}
	sess, ok := s.sessions[leave.PlayerID]
	if !ok {
		return
	}
	s.dropPlayer(sess, "left")
}

// dropPlayer removes a departing player's session and entity. An in-flight
// migration is abandoned so the entity is not destroyed twice.
func (s *Server) dropPlayer(sess *session, reason string) {
	if s.migrations.IsMigrating(sess.handle) {
		s.migrations.Cancel(sess.handle)
	}
	if s.reg.Remove(sess.handle) {
		s.tracker.Untrack(sess.handle.Ref())
	}
	delete(s.sessions, sess.playerID)
	s.logger.Printf("player %d %s zone %d", sess.playerID, reason, s.cfg.Server.ZoneID)
}

// sweepSessions drops clients that went silent. Position frames arrive every
// client frame, so a long gap means the connection is gone.
func (s *Server) sweepSessions(now time.Time) {
	for _, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > sessionTimeout {
			s.dropPlayer(sess, "timed out in")
		}
	}
}

func (s *Server) handlePositionUpdate(env network.Envelope, now time.Time) {
	var pu network.PositionUpdate
	if err := json.Unmarshal(env.Payload, &pu); err != nil {
		return
	}
	sess, ok := s.sessions[pu.PlayerID]
	if !ok {
		return
	}
	e, ok := s.reg.Get(sess.handle)
	if !ok {
		// Entity already migrated out; the client is mid-switch.
		return
	}
	if pu.Sequence != 0 && pu.Sequence <= e.Net.LastInputSequence {
		return
	}

	newPos := entity.PositionFromMeters(pu.X, pu.Y, pu.Z)
	newPos.TimestampMs = pu.TimestampMs

	if e.Pos.TimestampMs != 0 && pu.TimestampMs > e.Pos.TimestampMs {
		dt := float64(pu.TimestampMs-e.Pos.TimestampMs) / 1000
		speed := math.Sqrt(entity.DistanceSqMeters(e.Pos, newPos)) / dt
		if float32(speed) > e.AntiCheat.MaxRecordedSpeed {
			e.AntiCheat.MaxRecordedSpeed = float32(speed)
		}
		if speed > maxMoveSpeed {
			e.AntiCheat.SuspiciousMoves++
			return
		}
	}

	e.Pos = newPos
	e.Vel = entity.Velocity{
		DX: entity.FixedFromMeters(pu.VX),
		DY: entity.FixedFromMeters(pu.VY),
		DZ: entity.FixedFromMeters(pu.VZ),
	}
	e.Rot = entity.Rotation{Yaw: pu.Yaw, Pitch: pu.Pitch}
	e.Input = entity.Input{
		Buttons:     pu.Buttons,
		Yaw:         pu.Yaw,
		Pitch:       pu.Pitch,
		Sequence:    pu.Sequence,
		TimestampMs: pu.TimestampMs,
	}
	e.Net.LastInputSequence = pu.Sequence
	e.Net.LastInputTime = pu.TimestampMs
	e.AntiCheat.LastValidPosition = newPos
	sess.lastSeen = now

	s.tracker.UpdatePosition(sess.handle.Ref(), e.Pos, e.Vel)
	s.handoffs.CheckPlayerPosition(pu.PlayerID, sess.handle, e.Pos, e.Vel, now)
}

func (s *Server) drainPeerMessages(ctx context.Context, now time.Time) {
	if s.messenger == nil {
		return
	}
	for _, env := range s.messenger.Drain(0) {
		switch env.Type {
		case crosszone.TypeEntitySync:
			p, err := env.DecodeEntitySync()
			if err != nil {
				s.logger.Printf("entity sync from zone %d: %v", env.SourceZone, err)
				continue
			}
			s.tracker.ApplyNeighborState(env.SourceZone, s.filterOwnedPlayers(p.Entities))
		case crosszone.TypeMigrationSnapshot:
			s.handleInboundMigration(ctx, env, now)
		case crosszone.TypeMigrationConfirm:
			p, err := env.DecodeMigrationConfirm()
			if err != nil {
				s.logger.Printf("migration confirm from zone %d: %v", env.SourceZone, err)
				continue
			}
			s.migrations.ConfirmPlayer(p.PlayerID, p.Sequence)
		case crosszone.TypeHandoffComplete:
			p, err := env.DecodeHandoffComplete()
			if err != nil {
				s.logger.Printf("handoff complete from zone %d: %v", env.SourceZone, err)
				continue
			}
			s.handoffs.CompleteHandoff(p.PlayerID, p.Success, now)
		}
	}
}

// handleInboundMigration lands an entity some neighbor is pushing to us and
// confirms the take-over. Confirms are idempotent; a replayed snapshot is
// re-acknowledged without spawning anything.
func (s *Server) handleInboundMigration(ctx context.Context, env crosszone.Envelope, now time.Time) {
	p, err := env.DecodeMigrationSnapshot()
	if err != nil {
		s.logger.Printf("migration snapshot from zone %d: %v", env.SourceZone, err)
		return
	}

	var h entity.Handle
	var sourceRef uint32
	if len(p.Snapshot) > 0 {
		var snap migration.EntitySnapshot
		if err := snap.UnmarshalBinary(p.Snapshot); err != nil {
			s.logger.Printf("migration snapshot from zone %d: %v", env.SourceZone, err)
			return
		}
		sourceRef = snap.EntityRef
		h, err = s.migrations.ApplyInbound(s.reg, &snap)
	} else {
		h, err = s.migrations.FetchInbound(ctx, s.reg, p.PlayerID, p.Sequence)
	}
	if errors.Is(err, migration.ErrDuplicateSnapshot) {
		s.confirmMigration(env.SourceZone, p.PlayerID, p.Sequence)
		return
	}
	if err != nil {
		s.logger.Printf("inbound migration for player %d: %v", p.PlayerID, err)
		return
	}

	// Retire the ghost the source was projecting; the entity lives here now
	// under its own handle.
	if sourceRef != 0 {
		s.tracker.UntrackGhost(env.SourceZone, sourceRef)
	}
	if e, ok := s.reg.Get(h); ok {
		s.tracker.Track(h, e.Pos, e.Vel)
	}
	s.handoffs.ExpectArrival(p.PlayerID, env.SourceZone, p.Token, h, now)
	s.confirmMigration(env.SourceZone, p.PlayerID, p.Sequence)
}

func (s *Server) confirmMigration(sourceZone uint32, playerID uint64, sequence uint32) {
	if s.messenger == nil {
		return
	}
	if err := s.messenger.SendMigrationConfirm(sourceZone, playerID, sequence); err != nil {
		s.logger.Printf("migration confirm send to zone %d: %v", sourceZone, err)
	}
}

// sweepBoundary queues a forced migration for any entity that ended up
// entirely outside this zone's buffered bounds without a hand-off. The
// normal path is the hand-off controller; this catches teleports and
// anything that outran it.
func (s *Server) sweepBoundary(now time.Time) {
	s.reg.ForEach(func(h entity.Handle, e *entity.Entity) {
		playerID := e.Player.PlayerID
		if playerID == 0 {
			return
		}
		if _, queued := s.pendingForced[playerID]; queued {
			return
		}
		if s.migrations.IsMigrating(h) || s.handoffs.InProgress(playerID) {
			return
		}
		x, z := e.Pos.X.Meters(), e.Pos.Z.Meters()
		if s.self.ContainsBuffered(x, z) {
			return
		}
		def := partition.FindZoneForPosition(s.zones, x, z)
		if def == nil || def.ID == s.cfg.Server.ZoneID {
			return
		}
		s.pendingForced[playerID] = struct{}{}
		s.queue.Enqueue(migration.Request{
			Handle:     h,
			PlayerID:   playerID,
			TargetZone: def.ID,
			Reason:     "out_of_bounds",
			QueuedAt:   now,
		})
		s.logger.Printf("player %d outside buffered bounds, forcing migration to zone %d", playerID, def.ID)
	})
}

func (s *Server) drainMigrationQueue() {
	batch := s.queue.Drain(s.cfg.Migration.MaxPerTick)
	for _, req := range batch {
		delete(s.pendingForced, req.PlayerID)
		if s.migrations.IsMigrating(req.Handle) || s.handoffs.InProgress(req.PlayerID) {
			continue
		}
		target := req.TargetZone
		s.migrations.Initiate(s.reg, req.Handle, target, func(h entity.Handle, success bool) {
			if !success {
				return
			}
			s.tracker.Untrack(h.Ref())
			s.instructForcedSwitch(req.PlayerID, target)
		})
	}
}

// instructForcedSwitch points a still-connected client at the zone its
// entity was force-migrated to. There is no token; the destination admits
// the client by its already-landed entity.
func (s *Server) instructForcedSwitch(playerID uint64, targetZone uint32) {
	sess, ok := s.sessions[playerID]
	if !ok {
		return
	}
	delete(s.sessions, playerID)
	def := partition.ZoneByID(s.zones, targetZone)
	if def == nil {
		return
	}
	host, port := splitEndpoint(def.Endpoint)
	instr := network.HandoffInstruction{
		PlayerID:   playerID,
		TargetZone: targetZone,
		Host:       host,
		Port:       port,
	}
	if err := s.net.SendTo(sess.addr, network.MessageHandoffInstruction, instr); err != nil {
		s.logger.Printf("forced switch instruction send: %v", err)
	}
}

// notifySnapshot tells the destination a migration snapshot is ready; it
// carries the bytes inline plus the hand-off token when one exists.
func (s *Server) notifySnapshot(playerID uint64, targetZone uint32, sequence uint32, data []byte) {
	if s.messenger == nil {
		return
	}
	token, _ := s.handoffs.TokenFor(playerID)
	if err := s.messenger.SendMigrationSnapshot(targetZone, playerID, sequence, data, token); err != nil {
		s.logger.Printf("migration snapshot send to zone %d: %v", targetZone, err)
	}
}

func (s *Server) sendHandoffInstruction(playerID uint64, instr network.HandoffInstruction) {
	sess, ok := s.sessions[playerID]
	if !ok {
		return
	}
	if err := s.net.SendTo(sess.addr, network.MessageHandoffInstruction, instr); err != nil {
		s.logger.Printf("handoff instruction send: %v", err)
	}
}

// onHandoffFinished cleans up after an outbound hand-off. On success the
// entity is gone and its ghost will come back from the new owner; on
// failure the player simply stays.
func (s *Server) onHandoffFinished(playerID uint64, targetZone uint32, success bool) {
	if !success {
		return
	}
	if sess, ok := s.sessions[playerID]; ok {
		s.tracker.Untrack(sess.handle.Ref())
		delete(s.sessions, playerID)
	}
}

func (s *Server) onArrivalExpired(playerID uint64, h entity.Handle) {
	if s.reg.Remove(h) {
		s.tracker.Untrack(h.Ref())
	}
}

// filterOwnedPlayers drops inbound neighbor state for players whose entity
// this zone already owns, so a neighbor's stale broadcast after a migration
// cannot bring the entity back as a ghost of itself.
func (s *Server) filterOwnedPlayers(states []aura.NeighborState) []aura.NeighborState {
	kept := states[:0]
	for _, st := range states {
		if st.PlayerID != 0 {
			if _, owned := s.reg.ByPlayer(st.PlayerID); owned {
				continue
			}
		}
		kept = append(kept, st)
	}
	return kept
}

// syncAuras projects every owned boundary entity to the neighbors whose
// buffered bounds contain it.
func (s *Server) syncAuras() {
	if s.messenger == nil {
		return
	}
	entries := s.tracker.EntitiesToSync()
	if len(entries) == 0 {
		return
	}
	byTarget := make(map[uint32][]aura.NeighborState)
	for _, e := range entries {
		state := aura.NeighborState{Ref: e.Ref, Pos: e.Pos, Vel: e.Vel}
		if owned, ok := s.reg.Get(entity.HandleFromRef(e.Ref)); ok {
			state.PlayerID = owned.Player.PlayerID
		}
		for _, target := range e.Targets {
			byTarget[target] = append(byTarget[target], state)
		}
	}
	for target, states := range byTarget {
		if err := s.messenger.SendEntitySync(target, s.tick, states); err != nil {
			s.logger.Printf("entity sync send to zone %d: %v", target, err)
		}
	}
}

// broadcastState sends each connected player the entities inside their view
// radius, ghosts included.
func (s *Server) broadcastState() {
	for _, sess := range s.sessions {
		e, ok := s.reg.Get(sess.handle)
		if !ok {
			continue
		}
		entries := s.tracker.EntitiesInView(e.Pos, s.cfg.Server.ViewRadius)
		snap := network.StateSnapshot{
			ZoneID:   s.cfg.Server.ZoneID,
			Tick:     s.tick,
			Entities: make([]network.EntityState, 0, len(entries)),
		}
		for _, entry := range entries {
			state := network.EntityState{
				Ref:   entry.Ref,
				X:     entry.Pos.X.Meters(),
				Y:     entry.Pos.Y.Meters(),
				Z:     entry.Pos.Z.Meters(),
				VX:    entry.Vel.DX.Meters(),
				VY:    entry.Vel.DY.Meters(),
				VZ:    entry.Vel.DZ.Meters(),
				Ghost: entry.Ghost,
			}
			if !entry.Ghost {
				if owned, ok := s.reg.Get(entity.HandleFromRef(entry.Ref)); ok {
					state.PlayerID = owned.Player.PlayerID
					state.Yaw = owned.Rot.Yaw
					state.Health = owned.Combat.Health
				}
			}
			snap.Entities = append(snap.Entities, state)
		}
		if err := s.net.SendTo(sess.addr, network.MessageStateSnapshot, snap); err != nil {
			s.logger.Printf("state snapshot send to player %d: %v", sess.playerID, err)
		}
	}
}

func (s *Server) publishStatus() {
	if s.messenger == nil {
		return
	}
	status := crosszone.ZoneStatusPayload{
		ZoneID:      s.cfg.Server.ZoneID,
		State:       "online",
		PlayerCount: len(s.sessions),
		MaxPlayers:  s.cfg.Server.MaxPlayers,
		Tick:        s.tick,
		Endpoint:    s.self.Endpoint,
	}
	if err := s.messenger.BroadcastStatus(status); err != nil {
		s.logger.Printf("status broadcast: %v", err)
	}
}

// Tick is the current simulation tick, for tests and diagnostics.
func (s *Server) Tick() uint64 {
	return s.tick
}

// LocalAddr is the UDP address the zone is actually bound to.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.net.LocalAddr()
}
