package heartbeat

// NodeSample is one heartbeat observation of a node. SendTimestamp is the
// remote clock at send time, ReceiveTimestamp the local clock on arrival;
// both are Unix milliseconds.
type NodeSample struct {
	sendTimestamp    int64
	receiveTimestamp int64
}

func NewNodeSample(sendTimestamp, receiveTimestamp int64) NodeSample {
	return NodeSample{sendTimestamp: sendTimestamp, receiveTimestamp: receiveTimestamp}
}

func (s NodeSample) SendTimestamp() int64    { return s.sendTimestamp }
func (s NodeSample) ReceiveTimestamp() int64 { return s.receiveTimestamp }

// RegionSample is one leadership claim for a consensus group, made by a single
// reporting data node in a single probe round.
type RegionSample struct {
	sendTimestamp    int64
	receiveTimestamp int64
	reporter         DataNodeID
	leader           bool
}

func NewRegionSample(sendTimestamp, receiveTimestamp int64, reporter DataNodeID, isLeader bool) RegionSample {
	return RegionSample{
		sendTimestamp:    sendTimestamp,
		receiveTimestamp: receiveTimestamp,
		reporter:         reporter,
		leader:           isLeader,
	}
}

func (s RegionSample) SendTimestamp() int64    { return s.sendTimestamp }
func (s RegionSample) ReceiveTimestamp() int64 { return s.receiveTimestamp }
func (s RegionSample) Reporter() DataNodeID    { return s.reporter }
func (s RegionSample) IsLeader() bool          { return s.leader }
