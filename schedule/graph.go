package schedule

import (
	"sort"

	"replay.evalgo.org/store"
	"replay.evalgo.org/trace"
)

// Edge is one happens-before constraint: the op at Prereq must complete
// before the op at Needs may run. Edges never connect two ops of the same
// file; intra-file order is implied.
type Edge struct {
	Prereq trace.Desc
	Needs  trace.Desc

	removed bool
}

// Graph carries the cross-process dependency edges. Edges live in one
// shared table; Pre and Post hold, per file and op index, the IDs of the
// edges whose Needs (respectively Prereq) endpoint is that op. The IDs
// double as the tokens workers exchange at run time.
type Graph struct {
	Edges []Edge
	Pre   [][][]int
	Post  [][][]int

	files []*trace.File
}

// Build derives the full dependency graph for a set of loaded traces:
// index keys, solve each key's user order, emit edges from writers to the
// ops that observe them, serialize conflicting traversals, and drop
// transitively redundant edges. Records the solver decides must predate
// the traces are seeded into master.
func Build(files []*trace.File, master *store.Memory) (*Graph, error) {
	idx := newKeyIndex(files)
	if err := solveOrder(files, idx, master); err != nil {
		return nil, err
	}
	g := newGraph(files)
	g.derive(idx)
	g.makeTraverseDepends()
	g.optimize()
	g.compact()
	return g, nil
}

func newGraph(files []*trace.File) *Graph {
	g := &Graph{
		files: files,
		Pre:   make([][][]int, len(files)),
		Post:  make([][][]int, len(files)),
	}
	for i, f := range files {
		// One spare slot past the last op; a synthesized trailing
		// cancel is already part of Ops, so nothing lands there.
		g.Pre[i] = make([][]int, len(f.Ops)+1)
		g.Post[i] = make([][]int, len(f.Ops)+1)
	}
	return g
}

func (g *Graph) ops(d trace.Desc) []trace.Op {
	return g.files[d.File].Ops
}

// derive walks each key's solved user order. Every mutator depends on the
// previous mutator, or on the readers since it when there are any; readers
// between two mutators depend on the earlier one. Depending on the last change rather
// than naively on the predecessor avoids false edges between ops that
// share a sequence number inside traversals.
func (g *Graph) derive(idx *keyIndex) {
	for h := range idx.slots {
		s := &idx.slots[h]
		if len(s.users) < 2 {
			continue
		}
		prev := -1
		for i, u := range s.users {
			if changesDB(g.ops(u), u.Index, s.key) {
				g.dependOnPrevious(s.users, i, prev)
				prev = i
			} else if prev >= 0 {
				g.addDependency(u, s.users[prev])
			}
		}
	}
}

// dependOnPrevious makes mutator i wait for the previous mutator when it
// immediately precedes i; otherwise it waits for the last intervening
// reader in every other file (those readers wait for the previous mutator
// themselves), with no direct edge to the previous mutator.
func (g *Graph) dependOnPrevious(users []trace.Desc, i, prev int) {
	if i == 0 {
		return
	}
	if prev == i-1 {
		g.addDependency(users[i], users[prev])
		return
	}
	seen := map[int]bool{users[i].File: true}
	for j := i - 1; j > prev; j-- {
		if !seen[users[j].File] {
			g.addDependency(users[i], users[j])
			seen[users[j].File] = true
		}
	}
}

// addDependency records prereq → needs, rewriting the endpoints so no
// worker waits in a place that can wedge the whole schedule.
func (g *Graph) addDependency(needs, prereq trace.Desc) {
	// We don't depend on ourselves.
	if needs.File == prereq.File {
		return
	}

	opsN := g.files[needs.File].Ops
	opsP := g.files[prereq.File].Ops

	if (trace.InTraverse(opsP, prereq.Index) &&
		(opsN[needs.Index].StartsTransaction() || opsN[needs.Index].StartsTraverse())) ||
		(trace.InTraverse(opsN, needs.Index) &&
			(opsP[prereq.Index].StartsTransaction() || opsP[prereq.Index].StartsTraverse())) {
		// Traversals take the transaction lock, so a dependency between
		// something in a traverse and another traverse/transaction
		// binds the two groups: satisfied by the end of the prereq's
		// group, needed by the start of ours.
		start := opsP[prereq.Index].GroupStart
		prereq.Index = start + opsP[start].GroupLen
		needs.Index = opsN[needs.Index].GroupStart
	} else if trace.InTraverse(opsN, needs.Index) {
		// A traverse that reads what a later transaction creates can
		// block that transaction on the traverse lock and deadlock.
		// Where the seqnums permit, wait for the prereq before even
		// starting the traverse.
		start := opsN[needs.Index].GroupStart
		if opsN[start].Seqnum > opsP[prereq.Index].Seqnum {
			needs.Index = start
		}
	}

	// Depending on a transaction or chainlock means depending on its end.
	if opsP[prereq.Index].StartsTransaction() || opsP[prereq.Index].StartsChainlock() {
		prereq.Index += opsP[prereq.Index].GroupLen
	}

	id := len(g.Edges)
	g.Edges = append(g.Edges, Edge{Prereq: prereq, Needs: needs})
	g.Pre[needs.File][needs.Index] = append(g.Pre[needs.File][needs.Index], id)
	g.Post[prereq.File][prereq.Index] = append(g.Post[prereq.File][prereq.Index], id)
}

// makeTraverseDepends forces an order among traversals so they don't
// deadlock on the transaction lock (as much). Traversals inside
// transactions are already covered by transaction dependencies.
func (g *Graph) makeTraverseDepends() {
	var descs []trace.Desc
	for fi, f := range g.files {
		for oi := 1; oi < len(f.Ops); oi++ {
			if f.Ops[oi].StartsTraverse() && !trace.InTransaction(f.Ops, oi) {
				descs = append(descs, trace.Desc{File: fi, Index: oi})
			}
		}
	}

	compare := func(a, b trace.Desc) int {
		opA := &g.files[a.File].Ops[a.Index]
		opB := &g.files[b.File].Ops[b.Index]
		if opA.Seqnum != opB.Seqnum {
			if opA.Seqnum < opB.Seqnum {
				return -1
			}
			return 1
		}
		// Same seqnum means one made no changes; sort by the end.
		endA := g.files[a.File].Ops[a.Index+opA.GroupLen].Seqnum
		endB := g.files[b.File].Ops[b.Index+opB.GroupLen].Seqnum
		if endA != endB {
			if endA < endB {
				return -1
			}
			return 1
		}
		return 0
	}
	sort.SliceStable(descs, func(i, j int) bool {
		return compare(descs[i], descs[j]) < 0
	})

	for i := 1; i < len(descs); i++ {
		prev := descs[i-1]
		curr := descs[i]
		prevOp := &g.files[prev.File].Ops[prev.Index]
		currOp := &g.files[curr.File].Ops[curr.Index]

		// Read traverses don't depend on each other (read lock).
		if prevOp.Type == trace.OpTraverseReadStart &&
			currOp.Type == trace.OpTraverseReadStart {
			continue
		}

		// Only make the dependency if the order is clear.
		if compare(curr, prev) == 0 {
			continue
		}
		end := trace.Desc{File: prev.File, Index: prev.Index + prevOp.GroupLen}
		g.addDependency(curr, end)
	}
}

// optimize drops transitively redundant edges. It is simple rather than
// complete: indirect dependencies through a third file survive.
func (g *Graph) optimize() {
	// There can only be one real dependency per prereq file; keep the
	// edge to the latest prereq op and drop the rest.
	for fi := range g.files {
		for oi := range g.Pre[fi] {
			best := make(map[int]int)
			for _, id := range g.Pre[fi][oi] {
				e := &g.Edges[id]
				if e.removed {
					continue
				}
				bid, ok := best[e.Prereq.File]
				switch {
				case !ok:
					best[e.Prereq.File] = id
				case g.Edges[bid].Prereq.Index < e.Prereq.Index:
					g.Edges[bid].removed = true
					best[e.Prereq.File] = id
				default:
					e.removed = true
				}
			}
		}
	}

	// Walking each file in order, an edge is dominated when an earlier
	// op already waits for the same prereq op or a later one.
	for fi := range g.files {
		latest := make(map[int]int)
		for oi := range g.Pre[fi] {
			for _, id := range g.Pre[fi][oi] {
				e := &g.Edges[id]
				if e.removed {
					continue
				}
				if l, ok := latest[e.Prereq.File]; ok && l >= e.Prereq.Index {
					e.removed = true
				} else {
					latest[e.Prereq.File] = e.Prereq.Index
				}
			}
		}
	}
}

// compact rebuilds the per-op lists without the removed edges.
func (g *Graph) compact() {
	filter := func(lists [][][]int) {
		for fi := range lists {
			for oi := range lists[fi] {
				kept := lists[fi][oi][:0]
				for _, id := range lists[fi][oi] {
					if !g.Edges[id].removed {
						kept = append(kept, id)
					}
				}
				lists[fi][oi] = kept
			}
		}
	}
	filter(g.Pre)
	filter(g.Post)
}

// NumEdges returns the number of live edges.
func (g *Graph) NumEdges() int {
	n := 0
	for i := range g.Edges {
		if !g.Edges[i].removed {
			n++
		}
	}
	return n
}
