package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	base "github.com/amirimatin/go-heartbeat/pkg/state"
)

var errEmptyID = errors.New("topology: empty replica id")

// State is an in-memory FSM holding the replica set of one consensus group.
type State struct {
	mu       sync.RWMutex
	replicas map[string]base.Replica
}

func New() *State { return &State{replicas: make(map[string]base.Replica)} }

func (s *State) ApplyAddReplica(r base.Replica) error {
	if r.ID == "" {
		return errEmptyID
	}
	if r.DataNodeID < 0 {
		return fmt.Errorf("topology: negative data node id %d", r.DataNodeID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[r.ID] = r
	return nil
}

func (s *State) ApplyRemoveReplica(id string) error {
	if id == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, id)
	return nil
}

// Replicas returns the replica set ordered by ID.
func (s *State) Replicas() []base.Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted()
}

func (s *State) sorted() []base.Replica {
	arr := make([]base.Replica, 0, len(s.replicas))
	for _, v := range s.replicas {
		arr = append(arr, v)
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
	return arr
}

type snapshotV1 struct {
	Version  int            `json:"version"`
	Replicas []base.Replica `json:"replicas"`
}

// Snapshot encodes state as stable JSON.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshotV1{Version: 1, Replicas: s.sorted()})
}

func (s *State) Restore(buf []byte) error {
	var snap snapshotV1
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return fmt.Errorf("topology: unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas = make(map[string]base.Replica, len(snap.Replicas))
	for _, v := range snap.Replicas {
		if v.ID == "" {
			continue
		}
		s.replicas[v.ID] = v
	}
	return nil
}

var _ base.TopologyState = (*State)(nil)
