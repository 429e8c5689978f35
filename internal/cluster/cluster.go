// Package cluster launches and supervises zone server processes on one of
// three runtimes: plain OS processes, Docker containers, or Kubernetes
// pods. The runtime is picked from configuration or detected from the
// environment the orchestrator itself runs in.
package cluster

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pixil98/go-errors"

	"zoneworld/internal/config"
)

type runtimeMode string

const (
	runtimeLocal      runtimeMode = "process"
	runtimeDocker     runtimeMode = "docker"
	runtimeKubernetes runtimeMode = "kubernetes"
)

// ZoneSpec describes one zone server launch. Executable drives the process
// runtime, Image the container runtimes; Env must already contain the
// injected zone configuration.
type ZoneSpec struct {
	ZoneID     uint32
	Name       string
	Executable string
	Image      string
	Args       []string
	Env        map[string]string
}

type runtime interface {
	start(ctx context.Context, spec ZoneSpec) (*process, error)
	shutdown()
}

// process is the runtime-agnostic handle all three runtimes report
// through.
type process struct {
	spec      ZoneSpec
	runtime   string
	startedAt time.Time

	mu        sync.RWMutex
	status    string
	lastError string
	stoppedAt *time.Time

	doneCh      chan struct{}
	stopFn      func(ctx context.Context) error
	cancelWatch context.CancelFunc
}

func newProcess(spec ZoneSpec, rt string) *process {
	return &process{
		spec:      spec,
		runtime:   rt,
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
}

func (p *process) setActiveStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stoppedAt != nil {
		return
	}
	p.status = status
}

// setFinalStatus records the terminal state exactly once and releases
// everyone waiting on doneCh.
func (p *process) setFinalStatus(status string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stoppedAt != nil {
		return
	}
	now := time.Now()
	p.stoppedAt = &now
	p.status = status
	if err != nil {
		p.lastError = err.Error()
	}
	if p.cancelWatch != nil {
		p.cancelWatch()
	}
	close(p.doneCh)
}

func (p *process) running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stoppedAt == nil
}

func (p *process) stop(ctx context.Context) error {
	p.mu.RLock()
	stopFn := p.stopFn
	finished := p.stoppedAt != nil
	p.mu.RUnlock()
	if finished || stopFn == nil {
		return nil
	}
	return stopFn(ctx)
}

func (p *process) info() ProcessInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pi := ProcessInfo{
		ZoneID:    p.spec.ZoneID,
		Name:      p.spec.Name,
		Runtime:   p.runtime,
		Status:    p.status,
		StartedAt: p.startedAt,
		LastError: p.lastError,
	}
	if p.stoppedAt != nil {
		stopped := *p.stoppedAt
		pi.StoppedAt = &stopped
	}
	return pi
}

type ProcessInfo struct {
	ZoneID    uint32     `json:"zone_id"`
	Name      string     `json:"name"`
	Runtime   string     `json:"runtime"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type Manager struct {
	log     *log.Logger
	mode    runtimeMode
	runtime runtime

	mu        sync.RWMutex
	processes map[uint32]*process
}

// New builds a manager on the configured runtime. An empty mode falls back
// to the ORCHESTRATOR_CLUSTER_MODE variable and then to environment
// detection.
func New(cfg config.ClusterConfig, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	mode := detectRuntimeMode(cfg.Mode)

	var (
		rt  runtime
		err error
	)
	switch mode {
	case runtimeDocker:
		rt, err = newDockerRuntime()
	case runtimeKubernetes:
		rt, err = newKubernetesRuntime(cfg.Namespace)
	default:
		rt = &localRuntime{}
	}
	if err != nil {
		return nil, fmt.Errorf("initialise %s runtime: %w", mode, err)
	}

	logger.Printf("cluster: using %s runtime", mode)
	return &Manager{
		log:       logger,
		mode:      mode,
		runtime:   rt,
		processes: make(map[uint32]*process),
	}, nil
}

// Mode reports the resolved runtime mode.
func (m *Manager) Mode() string {
	return string(m.mode)
}

// Start launches the zone. A zone whose previous process is still running
// is left alone; a dead entry is replaced.
func (m *Manager) Start(ctx context.Context, spec ZoneSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.processes[spec.ZoneID]; ok {
		if existing.running() {
			return existing.spec.Name, nil
		}
		delete(m.processes, spec.ZoneID)
	}

	proc, err := m.runtime.start(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("start zone %d: %w", spec.ZoneID, err)
	}
	m.processes[spec.ZoneID] = proc
	m.log.Printf("cluster: zone %d launched as %s", spec.ZoneID, spec.Name)
	return spec.Name, nil
}

// Stop terminates the zone's process. Stopping an unknown zone is a no-op.
func (m *Manager) Stop(ctx context.Context, zoneID uint32) error {
	m.mu.RLock()
	proc, ok := m.processes[zoneID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return proc.stop(ctx)
}

// Shutdown stops every process and releases the runtime. A failing stop
// does not abort the sweep; the failures come back as one aggregate error.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	procs := make([]*process, 0, len(m.processes))
	for _, proc := range m.processes {
		procs = append(procs, proc)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	el := errors.NewErrorList()
	for _, proc := range procs {
		if err := proc.stop(ctx); err != nil {
			el.Add(fmt.Errorf("stop %s: %w", proc.spec.Name, err))
		}
	}
	m.runtime.shutdown()
	return el.Err()
}

// Processes reports all launches, ordered by zone id.
func (m *Manager) Processes() []ProcessInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProcessInfo, 0, len(m.processes))
	for _, proc := range m.processes {
		out = append(out, proc.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}
