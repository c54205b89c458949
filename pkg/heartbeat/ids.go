package heartbeat

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigNodeID identifies a control-plane node by its node id, the name it
// gossips under. It is not an address; probes dial the advertised RPC address.
type ConfigNodeID string

// DataNodeID identifies a storage node.
type DataNodeID int32

func (id DataNodeID) String() string { return strconv.FormatInt(int64(id), 10) }

// GroupType is the kind of consensus group a GroupID refers to.
type GroupType int

const (
	ConfigRegion GroupType = iota
	SchemaRegion
	DataRegion
)

var groupTypeNames = map[GroupType]string{
	ConfigRegion: "ConfigRegion",
	SchemaRegion: "SchemaRegion",
	DataRegion:   "DataRegion",
}

func (t GroupType) String() string {
	if s, ok := groupTypeNames[t]; ok {
		return s
	}
	return "GroupType(" + strconv.Itoa(int(t)) + ")"
}

// GroupID identifies a consensus group. Its text form ("DataRegion-3") makes
// it usable as a JSON object key.
type GroupID struct {
	Type GroupType
	ID   int32
}

func (g GroupID) String() string { return g.Type.String() + "-" + strconv.FormatInt(int64(g.ID), 10) }

// Less orders groups by type, then by id.
func (g GroupID) Less(o GroupID) bool {
	if g.Type != o.Type {
		return g.Type < o.Type
	}
	return g.ID < o.ID
}

func (g GroupID) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (g *GroupID) UnmarshalText(b []byte) error {
	parsed, err := ParseGroupID(string(b))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ParseGroupID parses the "<Type>-<id>" form produced by GroupID.String. Type
// names never contain a dash, so the id starts after the first one and may be
// negative.
func ParseGroupID(s string) (GroupID, error) {
	s = strings.TrimSpace(s)
	i := strings.Index(s, "-")
	if i <= 0 || i == len(s)-1 {
		return GroupID{}, fmt.Errorf("heartbeat: invalid group id %q", s)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 32)
	if err != nil {
		return GroupID{}, fmt.Errorf("heartbeat: invalid group id %q: %w", s, err)
	}
	for t, name := range groupTypeNames {
		if name == s[:i] {
			return GroupID{Type: t, ID: int32(id)}, nil
		}
	}
	return GroupID{}, fmt.Errorf("heartbeat: unknown group type %q", s[:i])
}
