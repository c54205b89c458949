package cluster

import "errors"

var (
	ErrNotStarted  = errors.New("cluster: not started")
	ErrUnknownRole = errors.New("cluster: unknown role")
	ErrNotLeader   = errors.New("cluster: not leader")
	ErrNoConsensus = errors.New("cluster: node has no consensus group")
)
