package runtime

import (
	"replay.evalgo.org/trace"
)

// rewrite mutates the schedule after a run produced backoff events. For
// each event, walking back from the op that timed out:
//
//   - the nearest traversal callback marker becomes an early end, so the
//     next run's traversal finishes cleanly before the wedged op; or
//   - when the traversal start is reached first, the start slides forward
//     past the ops before the first callback, moving them out of the
//     traversal so they wait without holding the traverse lock.
//
// Dependency edges stay valid: endpoint indices are remapped together
// with the ops they gate, and group boundaries keep their edges.
func (r *Replayer) rewrite(descs []trace.Desc) {
	for _, d := range descs {
		ops := r.Files[d.File].Ops
		for i := d.Index; i > 0; i-- {
			if ops[i].Type == trace.OpTraverse {
				// A fake end, terminating the traversal here.
				ops[i].Type = trace.OpTraverseEndEarly
				break
			}
			if ops[i].StartsTraverse() {
				r.slideTraverse(d.File, i, d.Index)
				break
			}
		}
	}
}

// slideTraverse rotates ops[start..wedged] one position left: the ops
// after the start up to and including the wedged one leave the traversal
// and run ahead of it, and the traversal start lands on the wedged op's old
// slot with its length shortened to the remainder of the group.
func (r *Replayer) slideTraverse(file, start, wedged int) {
	ops := r.Files[file].Ops
	end := start + ops[start].GroupLen

	startOp := ops[start]
	copy(ops[start:wedged], ops[start+1:wedged+1])
	ops[wedged] = startOp
	ops[wedged].GroupLen = end - wedged

	for i := start; i < wedged; i++ {
		if ops[i].GroupStart == start {
			ops[i].GroupStart = 0
		}
	}
	for i := wedged; i <= end; i++ {
		if ops[i].GroupStart == start {
			ops[i].GroupStart = wedged
		}
	}

	// Keep the dependency lists attached to the ops they belong to and
	// point edge endpoints at the new indices.
	g := r.Graph
	rotate := func(lists [][]int) {
		head := lists[start]
		copy(lists[start:wedged], lists[start+1:wedged+1])
		lists[wedged] = head
	}
	rotate(g.Pre[file])
	rotate(g.Post[file])

	remap := func(d *trace.Desc) {
		if d.File != file {
			return
		}
		switch {
		case d.Index == start:
			d.Index = wedged
		case d.Index > start && d.Index <= wedged:
			d.Index--
		}
	}
	for id := range g.Edges {
		remap(&g.Edges[id].Prereq)
		remap(&g.Edges[id].Needs)
	}
}
