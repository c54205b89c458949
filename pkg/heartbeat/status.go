package heartbeat

import (
	"fmt"
	"math"
)

// NodeStatus is the derived health of a node. Unknown means "avoid"; it is
// re-evaluated on every refresh and is not a permanent failure marker.
type NodeStatus int

const (
	Running NodeStatus = iota
	Unknown
)

func (s NodeStatus) String() string {
	switch s {
	case Running:
		return "Running"
	default:
		return "Unknown"
	}
}

func (s NodeStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *NodeStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Running":
		*s = Running
	case "Unknown":
		*s = Unknown
	default:
		return fmt.Errorf("heartbeat: unknown node status %q", string(b))
	}
	return nil
}

// LoadScore encodes a status for numeric comparison: Running is the lowest
// score and Unknown the highest representable one.
func (s NodeStatus) LoadScore() int64 {
	if s == Running {
		return 0
	}
	return math.MaxInt64
}
