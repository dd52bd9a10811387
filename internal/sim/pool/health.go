package pool

// Health is the lifecycle state of one worker.
//
// initializing -> healthy -> {hanging | dead}
// dead -> dead_processed (after redistribution)
// healthy -> circuit_open (breaker tripped; explicit reset required)
type Health int

const (
	HealthInitializing Health = iota
	HealthHealthy
	HealthHanging
	HealthDead
	HealthDeadProcessed
	HealthCircuitOpen
)

func (h Health) String() string {
	switch h {
	case HealthInitializing:
		return "initializing"
	case HealthHealthy:
		return "healthy"
	case HealthHanging:
		return "hanging"
	case HealthDead:
		return "dead"
	case HealthDeadProcessed:
		return "dead_processed"
	case HealthCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}
