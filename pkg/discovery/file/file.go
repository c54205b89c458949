// Package file reads gossip seeds from a file or an environment variable.
package file

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amirimatin/go-heartbeat/pkg/discovery"
)

// Options configures file/env discovery.
type Options struct {
	// Path holds one or more comma-separated seeds per line; "#" starts a
	// comment. A glob pattern merges every matching file.
	Path string
	// Env, when set and non-empty in the environment, overrides Path.
	Env string
	// Refresh bounds how long a read is cached. Zero means 5s.
	Refresh time.Duration
	Clock   clockwork.Clock
}

type impl struct {
	opts Options

	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return normalize(strings.Split(v, ","))
		}
	}
	if i.opts.Path == "" {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.opts.Clock.Now()
	if st, err := os.Stat(i.opts.Path); err == nil {
		if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
			i.cache = loadFile(i.opts.Path)
			i.last, i.mtime = now, st.ModTime()
		}
		return append([]string(nil), i.cache...)
	}
	if matches, _ := filepath.Glob(i.opts.Path); len(matches) > 0 && now.Sub(i.last) >= i.opts.Refresh {
		var all []string
		for _, m := range matches {
			all = append(all, loadFile(m)...)
		}
		i.cache = normalize(all)
		i.last = now
	}
	return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var seeds []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, strings.Split(line, ",")...)
	}
	if s.Err() != nil {
		return nil
	}
	return normalize(seeds)
}

// normalize trims, de-duplicates and sorts seeds.
func normalize(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
