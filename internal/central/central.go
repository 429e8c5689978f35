// Package central is the control daemon over the world: it supervises the
// fleet of zone servers, routes players to zones, and answers the admin
// HTTP surface. Zone heartbeats arrive on the shared NATS subject; zone
// processes run on whichever cluster runtime the deployment uses.
package central

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"zoneworld/internal/cluster"
	"zoneworld/internal/config"
	"zoneworld/internal/crosszone"
	"zoneworld/internal/orchestrator"
	"zoneworld/internal/partition"
)

type Server struct {
	cfg     *config.OrchestratorConfig
	logger  *log.Logger
	orch    *orchestrator.Orchestrator
	cluster *cluster.Manager
	httpSrv *http.Server

	// natsURL and runCtx are set once in Run before anything reads them.
	natsURL string
	runCtx  context.Context

	mu       sync.Mutex
	draining map[uint32]time.Time

	startedAt time.Time
}

func New(cfg *config.OrchestratorConfig) (*Server, error) {
	logger := log.New(log.Writer(), "orchestrator ", log.LstdFlags|log.Lmicroseconds)

	zones, err := cfg.World.Zones()
	if err != nil {
		return nil, err
	}
	manager, err := cluster.New(cfg.Cluster, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		orch:      orchestrator.New(zones, cfg.MaxPlayersPerZone, logger),
		cluster:   manager,
		runCtx:    context.Background(),
		draining:  make(map[uint32]time.Time),
		startedAt: time.Now(),
	}
	s.orch.SetStartFunc(s.launchZone)
	s.orch.SetStopFunc(s.stopZone)
	return s, nil
}

// launchZone starts a zone server process with its full configuration
// injected through the environment.
func (s *Server) launchZone(def partition.ZoneDefinition) (string, error) {
	spec, err := cluster.ZoneSpecFor(s.cfg, def, s.natsURL)
	if err != nil {
		return "", err
	}
	return s.cluster.Start(s.runCtx, spec)
}

func (s *Server) stopZone(def partition.ZoneDefinition, _ string) error {
	return s.cluster.Stop(s.runCtx, def.ID)
}

func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx

	natsURL := s.cfg.Nats.URL
	if s.cfg.Nats.Embedded {
		embedded, err := crosszone.NewEmbeddedServer(
			crosszone.WithHost(s.cfg.Nats.Host),
			crosszone.WithPort(s.cfg.Nats.Port),
			crosszone.WithStoreDir(s.cfg.Cluster.DataRoot),
			crosszone.WithLogger(s.logger),
		)
		if err != nil {
			return err
		}
		if err := embedded.Start(); err != nil {
			return err
		}
		defer embedded.Shutdown()
		natsURL = embedded.ClientURL()
	}
	s.natsURL = natsURL

	if natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("orchestrator"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		sub, err := nc.Subscribe(crosszone.BroadcastSubject, s.onZoneStatus)
		if err != nil {
			return fmt.Errorf("subscribe zone status: %w", err)
		}
		defer sub.Unsubscribe()
	}

	defer func() {
		if err := s.cluster.Shutdown(); err != nil {
			s.logger.Printf("cluster shutdown: %v", err)
		}
	}()
	defer s.orch.ShutdownAll()

	if s.cfg.StartAllZones {
		for _, def := range s.orch.Defs() {
			if err := s.orch.StartZone(def.ID); err != nil {
				s.logger.Printf("boot: %v", err)
			}
		}
	}

	superviseCtx, cancelSupervise := context.WithCancel(ctx)
	defer cancelSupervise()
	go s.supervise(superviseCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/zones", s.handleZones)
	mux.HandleFunc("/zones/start", s.handleZoneStart)
	mux.HandleFunc("/zones/shutdown", s.handleZoneShutdown)
	mux.HandleFunc("/processes", s.handleProcesses)
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/assign", s.handleAssign)
	mux.HandleFunc("/player", s.handlePlayer)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.HTTPPort)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("HTTP server listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// onZoneStatus handles one heartbeat from the broadcast subject. Zones
// publish these once a second.
func (s *Server) onZoneStatus(msg *nats.Msg) {
	var env crosszone.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Printf("malformed message on %s: %v", msg.Subject, err)
		return
	}
	if env.Type != crosszone.TypeZoneStatus {
		return
	}
	status, err := env.DecodeZoneStatus()
	if err != nil {
		s.logger.Printf("zone status decode: %v", err)
		return
	}
	if !s.orch.RecordZoneStatus(status.ZoneID, status.PlayerCount, time.Now()) {
		s.logger.Printf("status from unknown zone %d ignored", status.ZoneID)
	}
}

func (s *Server) supervise(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.superviseOnce(now)
		}
	}
}

// superviseOnce is one supervision pass: dead zones are reaped, finished
// drains are completed, and long-idle zones are put away.
func (s *Server) superviseOnce(now time.Time) {
	for _, id := range s.orch.CheckHeartbeats(now, s.cfg.StaleAfter()) {
		if err := s.cluster.Stop(s.runCtx, id); err != nil {
			s.logger.Printf("reap zone %d: %v", id, err)
		}
	}

	s.finishDrains(now)

	if idleAfter := s.cfg.IdleAfter(); idleAfter > 0 {
		for _, id := range s.orch.IdleZones(now, idleAfter) {
			s.logger.Printf("zone %d idle beyond %s, shutting down", id, idleAfter)
			if err := s.orch.ShutdownZone(id); err != nil {
				s.logger.Printf("idle shutdown zone %d: %v", id, err)
			}
		}
	}
}

// finishDrains completes shutdown for draining zones that emptied out or
// ran out of patience.
func (s *Server) finishDrains(now time.Time) {
	s.mu.Lock()
	var due []uint32
	for id, started := range s.draining {
		inst, ok := s.orch.Zone(id)
		drained := ok && inst.PlayerCount == 0 && inst.ReportedPlayers == 0
		if !ok || drained || now.Sub(started) > s.cfg.DrainAfter() {
			due = append(due, id)
		}
	}
	for _, id := range due {
		delete(s.draining, id)
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := s.orch.CompleteShutdown(id); err != nil {
			s.logger.Printf("complete shutdown zone %d: %v", id, err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type zoneView struct {
	ID              uint32     `json:"id"`
	State           string     `json:"state"`
	Players         int        `json:"players"`
	ReportedPlayers int        `json:"reported_players"`
	MaxPlayers      int        `json:"max_players"`
	Endpoint        string     `json:"endpoint"`
	ProcessID       string     `json:"process_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
}

func viewOf(inst orchestrator.ZoneInstance) zoneView {
	v := zoneView{
		ID:              inst.Definition.ID,
		State:           inst.State.String(),
		Players:         inst.PlayerCount,
		ReportedPlayers: inst.ReportedPlayers,
		MaxPlayers:      inst.MaxPlayers,
		Endpoint:        inst.Definition.Endpoint,
		ProcessID:       inst.ProcessID,
	}
	if !inst.StartedAt.IsZero() {
		started := inst.StartedAt
		v.StartedAt = &started
	}
	if !inst.LastHeartbeat.IsZero() {
		beat := inst.LastHeartbeat
		v.LastHeartbeat = &beat
	}
	return v
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	snapshot := s.orch.Snapshot()
	views := make([]zoneView, 0, len(snapshot))
	for _, inst := range snapshot {
		views = append(views, viewOf(inst))
	}
	writeJSON(w, views)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cluster.Processes())
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	x, z, err := coordsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def := partition.FindZoneForPosition(s.orch.Defs(), x, z)
	if def == nil {
		http.Error(w, "no zone owns the position", http.StatusNotFound)
		return
	}
	inst, _ := s.orch.Zone(def.ID)
	writeJSON(w, viewOf(inst))
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	playerID, err := uint64FromQuery(r, "player")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	x, z, err := coordsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	zoneID, err := s.orch.AssignPlayer(playerID, x, z)
	switch {
	case errors.Is(err, orchestrator.ErrNoZoneForPosition):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, orchestrator.ErrNoCapacity):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	def := partition.ZoneByID(s.orch.Defs(), zoneID)
	writeJSON(w, map[string]any{
		"player":   playerID,
		"zone":     zoneID,
		"endpoint": def.Endpoint,
	})
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	playerID, err := uint64FromQuery(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		zoneID := s.orch.PlayerZone(playerID)
		if zoneID == 0 {
			http.Error(w, "player not in world", http.StatusNotFound)
			return
		}
		def := partition.ZoneByID(s.orch.Defs(), zoneID)
		writeJSON(w, map[string]any{
			"player":   playerID,
			"zone":     zoneID,
			"endpoint": def.Endpoint,
		})
	case http.MethodDelete:
		s.orch.RemovePlayer(playerID)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "GET or DELETE required", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleZoneStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	zoneID, err := zoneIDFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.orch.StartZone(zoneID); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrUnknownZone) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	inst, _ := s.orch.Zone(zoneID)
	writeJSON(w, viewOf(inst))
}

func (s *Server) handleZoneShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	zoneID, err := zoneIDFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.orch.RequestShutdown(zoneID) {
		http.Error(w, "zone not running", http.StatusConflict)
		return
	}
	s.mu.Lock()
	s.draining[zoneID] = time.Now()
	s.mu.Unlock()

	inst, _ := s.orch.Zone(zoneID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(viewOf(inst))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"runtime":      s.cluster.Mode(),
		"zones_total":  len(s.orch.Defs()),
		"zones_online": len(s.orch.OnlineZones()),
		"players":      s.orch.TotalPlayers(),
	})
}

func coordsFromQuery(r *http.Request) (float64, float64, error) {
	q := r.URL.Query()
	xStr, zStr := q.Get("x"), q.Get("z")
	if xStr == "" || zStr == "" {
		return 0, 0, fmt.Errorf("x and z query parameters required")
	}
	x, err := strconv.ParseFloat(xStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid x parameter")
	}
	z, err := strconv.ParseFloat(zStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid z parameter")
	}
	return x, z, nil
}

func uint64FromQuery(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("%s query parameter required", key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid %s parameter", key)
	}
	return v, nil
}

func zoneIDFromQuery(r *http.Request) (uint32, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return 0, fmt.Errorf("id query parameter required")
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid id parameter")
	}
	return uint32(v), nil
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
