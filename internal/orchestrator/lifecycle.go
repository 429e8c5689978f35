package orchestrator

// ZoneState is the lifecycle phase of one zone instance. Capacity is not a
// state: a full zone is still online, and HasCapacity answers admission.
type ZoneState uint8

const (
	ZoneOffline ZoneState = iota
	ZoneStarting
	ZoneOnline
	ZoneShuttingDown
)

func (s ZoneState) String() string {
	switch s {
	case ZoneOffline:
		return "offline"
	case ZoneStarting:
		return "starting"
	case ZoneOnline:
		return "online"
	case ZoneShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

type lifecycleEvent uint8

const (
	evStart lifecycleEvent = iota
	evReady
	evStartFailed
	evShutdown
	evStopped
	evHeartbeatLost
)

func (e lifecycleEvent) String() string {
	switch e {
	case evStart:
		return "start"
	case evReady:
		return "ready"
	case evStartFailed:
		return "start-failed"
	case evShutdown:
		return "shutdown"
	case evStopped:
		return "stopped"
	case evHeartbeatLost:
		return "heartbeat-lost"
	}
	return "unknown"
}

// transitionZone maps every (state, event) pair to a successor. Events that
// do not apply leave the state unchanged and report false. An offline zone
// accepts evReady directly so a heartbeat from a process the orchestrator
// did not launch (or forgot across a restart) re-adopts it.
func transitionZone(s ZoneState, ev lifecycleEvent) (ZoneState, bool) {
	switch s {
	case ZoneOffline:
		switch ev {
		case evStart:
			return ZoneStarting, true
		case evReady:
			return ZoneOnline, true
		}
	case ZoneStarting:
		switch ev {
		case evReady:
			return ZoneOnline, true
		case evStartFailed:
			return ZoneOffline, true
		case evShutdown:
			return ZoneShuttingDown, true
		}
	case ZoneOnline:
		switch ev {
		case evShutdown:
			return ZoneShuttingDown, true
		case evHeartbeatLost:
			return ZoneOffline, true
		}
	case ZoneShuttingDown:
		if ev == evStopped {
			return ZoneOffline, true
		}
	}
	return s, false
}
