package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
)

func TestRegistryGetOrCreateGroupIsAtomic(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	gid := hb.GroupID{Type: hb.DataRegion, ID: 42}

	const n = 64
	got := make([]*hb.GroupCache, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = r.GetOrCreateGroupCache(gid)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, got[0], got[i])
	}
	assert.Len(t, r.AllGroupCaches(), 1)
}

func TestRegistryConcurrentHandlersShareGroup(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000))
	r := New(Options{Clock: clock})
	gid := hb.GroupID{Type: hb.DataRegion, ID: 1}

	var wg sync.WaitGroup
	for id := hb.DataNodeID(1); id <= 10; id++ {
		wg.Add(1)
		go func(id hb.DataNodeID) {
			defer wg.Done()
			h := hb.NewDataNodeHandler(id, r.GetOrCreateDataNodeCache(id), r, clock)
			h.OnComplete(hb.Response{SendTimestamp: 900 + int64(id), JudgedLeaders: map[hb.GroupID]bool{gid: id == 4}})
		}(id)
	}
	wg.Wait()

	g, ok := r.GroupCache(gid)
	require.True(t, ok)
	assert.Len(t, g.Reporters(), 10)
	g.UpdateLoadStatistic()
	leader, ok := g.CurrentLeader()
	require.True(t, ok)
	assert.Equal(t, hb.DataNodeID(4), leader)
	assert.Len(t, r.DataNodeCaches(), 10)
}

func TestRegistryLocalConfigNode(t *testing.T) {
	t.Parallel()
	r := New(Options{Local: "127.0.0.1:10710"})
	assert.True(t, r.GetOrCreateConfigNodeCache("127.0.0.1:10710").Local())
	assert.False(t, r.GetOrCreateConfigNodeCache("127.0.0.1:10711").Local())
}

func TestRegistrySnapshotsAreOrdered(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	for _, id := range []hb.DataNodeID{5, 1, 3} {
		r.GetOrCreateDataNodeCache(id)
	}
	for _, id := range []hb.ConfigNodeID{"b:1", "a:1"} {
		r.GetOrCreateConfigNodeCache(id)
	}
	r.GetOrCreateGroupCache(hb.GroupID{Type: hb.DataRegion, ID: 0})
	r.GetOrCreateGroupCache(hb.GroupID{Type: hb.SchemaRegion, ID: 3})

	ds := r.DataNodeCaches()
	require.Len(t, ds, 3)
	assert.Equal(t, []hb.DataNodeID{1, 3, 5}, []hb.DataNodeID{ds[0].ID(), ds[1].ID(), ds[2].ID()})
	cs := r.ConfigNodeCaches()
	assert.Equal(t, hb.ConfigNodeID("a:1"), cs[0].ID())
	assert.Len(t, r.AllNodeCaches(), 5)
	gs := r.AllGroupCaches()
	assert.Equal(t, hb.SchemaRegion, gs[0].GroupID().Type)
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	first := r.GetOrCreateDataNodeCache(1)
	assert.True(t, r.RemoveDataNode(1))
	assert.False(t, r.RemoveDataNode(1))
	assert.NotSame(t, first, r.GetOrCreateDataNodeCache(1))

	r.GetOrCreateConfigNodeCache("a:1")
	assert.True(t, r.RemoveConfigNode("a:1"))
	_, ok := r.ConfigNodeCache("a:1")
	assert.False(t, ok)

	gid := hb.GroupID{Type: hb.DataRegion, ID: 2}
	r.GetOrCreateGroupCache(gid)
	assert.True(t, r.RemoveGroup(gid))
	assert.Empty(t, r.AllGroupCaches())
}
