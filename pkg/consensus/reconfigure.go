package consensus

import "time"

// Reconfigurer adds and removes voters of the group. Only the leader can
// reconfigure.
type Reconfigurer interface {
	AddVoter(id, addr string, timeout time.Duration) error
	RemoveServer(id string, timeout time.Duration) error
}
