package cluster

import (
	"errors"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amirimatin/go-heartbeat/pkg/consensus"
	"github.com/amirimatin/go-heartbeat/pkg/discovery"
	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	"github.com/amirimatin/go-heartbeat/pkg/load"
	"github.com/amirimatin/go-heartbeat/pkg/membership"
	"github.com/amirimatin/go-heartbeat/pkg/registry"
	"github.com/amirimatin/go-heartbeat/pkg/transport"
)

// Options carries the injected components and runtime configuration of a
// node. Instances are typically produced by bootstrap.Build.
type Options struct {
	// NodeID names this node in membership and consensus. For config nodes it
	// is also the ConfigNodeID.
	NodeID string
	Role   load.Role

	// DataNodeID and Group apply to data nodes. Group is the consensus group
	// replicated by Consensus; leave it zero when Consensus is nil.
	DataNodeID hb.DataNodeID
	Group      hb.GroupID

	Discovery  discovery.Discovery
	Membership membership.Membership
	Consensus  consensus.Consensus
	RPCServer  transport.RPCServer
	RPCClient  transport.RPCClient
	Logger     *log.Logger
	Clock      clockwork.Clock

	// Registry holds the heartbeat caches of a config node. Nil creates one
	// whose local node is NodeID.
	Registry *registry.Registry

	// Zero means the load package defaults.
	ProbeInterval    time.Duration
	RefreshInterval  time.Duration
	ProbeTimeout     time.Duration
	ProbeConcurrency int

	// OnChange runs after every refresh pass that changed a cache.
	OnChange func(load.Changes)
}

// Validate checks required fields. It performs no network activity.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("cluster: empty NodeID")
	}
	switch o.Role {
	case load.RoleConfig:
		if o.RPCClient == nil {
			return errors.New("cluster: config node needs an RPCClient to probe")
		}
	case load.RoleData:
		if o.DataNodeID < 0 {
			return errors.New("cluster: negative DataNodeID")
		}
	default:
		return ErrUnknownRole
	}
	if o.Discovery == nil {
		return errors.New("cluster: nil Discovery")
	}
	if o.Membership == nil {
		return errors.New("cluster: nil Membership")
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = load.DefaultProbeInterval
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = load.DefaultRefreshInterval
	}
	if o.Role == load.RoleConfig && o.Registry == nil {
		o.Registry = registry.New(registry.Options{Local: hb.ConfigNodeID(o.NodeID), Clock: o.Clock})
	}
}
