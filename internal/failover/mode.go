package failover

import "fmt"

// Mode is the operating state of the storage layer
type Mode int

const (
	ModeDatabase Mode = iota
	ModeReplica
	ModeMemoryOptimized
	ModeHybrid
	ModeReadOnly
	ModeMemory
)

func (m Mode) String() string {
	switch m {
	case ModeDatabase:
		return "database"
	case ModeReplica:
		return "replica"
	case ModeMemoryOptimized:
		return "memory_optimized"
	case ModeHybrid:
		return "hybrid"
	case ModeReadOnly:
		return "read_only"
	case ModeMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// ParseMode converts the wire representation back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "database":
		return ModeDatabase, nil
	case "replica":
		return ModeReplica, nil
	case "memory_optimized":
		return ModeMemoryOptimized, nil
	case "hybrid":
		return ModeHybrid, nil
	case "read_only":
		return ModeReadOnly, nil
	case "memory":
		return ModeMemory, nil
	default:
		return ModeDatabase, fmt.Errorf("unknown mode %q", s)
	}
}

// Writable reports whether the mode permits writes at all. The global
// read-only flag is checked separately and always wins.
func (m Mode) Writable() bool {
	switch m {
	case ModeDatabase, ModeHybrid:
		return true
	default:
		return false
	}
}

// MemoryBacked reports whether reads are served from the in-memory
// fallback rather than a durable store.
func (m Mode) MemoryBacked() bool {
	return m == ModeMemoryOptimized || m == ModeMemory
}
