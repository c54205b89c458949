package discovery

import "sort"

// Discovery provides the gossip seeds a node joins on start.
type Discovery interface {
	Seeds() []string
}

type union []Discovery

// Union merges the seeds of several sources, de-duplicated and sorted. Nil
// sources are skipped.
func Union(ds ...Discovery) Discovery {
	out := make(union, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

func (u union) Seeds() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range u {
		for _, s := range d.Seeds() {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
