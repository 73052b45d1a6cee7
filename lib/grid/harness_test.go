package grid

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGC/lib/backup"
	"github.com/ValentinKolb/dGC/lib/cluster"
	"github.com/ValentinKolb/dGC/lib/comm"
	"github.com/ValentinKolb/dGC/lib/msg"
	"github.com/ValentinKolb/dGC/lib/storage"
)

// testNode bundles one cache with its cluster view.
type testNode struct {
	id      msg.NodeID
	cache   *Cache
	cluster *cluster.Static
}

// testGrid is an in-process cluster of cache nodes for the tests.
type testGrid struct {
	mesh  *comm.Mesh
	nodes map[msg.NodeID]*testNode
}

type gridOptions struct {
	cfg     Config
	backups map[msg.NodeID]backup.Backup
}

func defaultTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	return cfg
}

// newTestGrid starts a mesh with the given node ids (no server node).
func newTestGrid(t *testing.T, ids ...msg.NodeID) *testGrid {
	t.Helper()
	return newTestGridWith(t, gridOptions{cfg: defaultTestConfig()}, ids...)
}

func newTestGridWith(t *testing.T, opts gridOptions, ids ...msg.NodeID) *testGrid {
	t.Helper()

	g := &testGrid{
		mesh:  comm.NewMesh(),
		nodes: make(map[msg.NodeID]*testNode),
	}

	for _, id := range ids {
		cl := cluster.NewStatic(id, ids, false, true)
		bk := opts.backups[id]
		if bk == nil {
			bk = backup.NewNoop()
		}
		refs := NewLocalAllocatorAt(MaxReservedID + 1 + int64(id)*(1<<32))

		c, err := New(fmt.Sprintf("node-%d", id), opts.cfg, cl, g.mesh.Join(id),
			storage.NewHeapStorage(), bk, refs, nil)
		if err != nil {
			t.Fatalf("creating node %d: %v", id, err)
		}
		g.nodes[id] = &testNode{id: id, cache: c, cluster: cl}
	}
	return g
}

func (g *testGrid) cache(id msg.NodeID) *Cache {
	return g.nodes[id].cache
}

// kill removes a node from the mesh and tells the survivors.
func (g *testGrid) kill(id msg.NodeID) {
	g.mesh.Remove(id)
	for nid, n := range g.nodes {
		if nid != id {
			n.cluster.RemoveNode(id)
		}
	}
	delete(g.nodes, id)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// requireState asserts the line's (eventual) coherence state on a node.
func requireState(t *testing.T, c *Cache, id int64, want State) {
	t.Helper()
	eventually(t, fmt.Sprintf("line %x to reach %s on %s", id, want, c.Name()), func() bool {
		s, ok := c.State(id)
		return ok && s == want
	})
}

// materializeOwned conjures an exclusively-owned line, standing in for
// ownership granted by a directory.
func materializeOwned(c *Cache, id int64, data []byte) {
	l := c.createNewLine(id)
	l.mu.Lock()
	c.setState(l, StateE)
	c.setOwner(l, c.myNodeID())
	_ = c.setData(l, data, nil)
	l.setFlag(flagModified, false)
	l.mu.Unlock()
}

// lineOf returns the raw line record for white-box assertions.
func lineOf(c *Cache, id int64) *line {
	return c.getLine(id)
}

// flagIs reads a line flag under the line lock.
func flagIs(c *Cache, id int64, flag byte) bool {
	l := c.getLine(id)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.is(flag)
}

// recordingListener counts listener callbacks.
type recordingListener struct {
	mu          sync.Mutex
	invalidated []int64
	received    []int64
	evicted     []int64
}

func (r *recordingListener) Invalidated(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, id)
}

func (r *recordingListener) Received(id int64, version uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, id)
}

func (r *recordingListener) Evicted(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, id)
}

func (r *recordingListener) count(which string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch which {
	case "invalidated":
		return len(r.invalidated)
	case "received":
		return len(r.received)
	default:
		return len(r.evicted)
	}
}
