package static

import (
	"strings"

	"github.com/amirimatin/go-heartbeat/pkg/discovery"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery over a fixed seed list. Blank and duplicate entries
// are dropped; order is kept.
func New(seeds ...string) discovery.Discovery {
	seen := make(map[string]struct{}, len(seeds))
	cleaned := make([]string, 0, len(seeds))
	for _, v := range seeds {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return &staticSeeds{seeds: cleaned}
}

// Parse splits a comma-separated seed flag.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	return New(strings.Split(csv, ",")...).Seeds()
}
