package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"replay.evalgo.org/common"
	"replay.evalgo.org/store"
	"replay.evalgo.org/trace"
)

// worker replays one trace file against its own store handle. Not safe
// for concurrent use; one goroutine owns it.
type worker struct {
	file    int
	name    string
	r       *Replayer
	ops     []trace.Op
	handle  *store.Handle
	inbox   <-chan int
	inboxes []chan int
	backoff chan<- trace.Desc
	log     *logrus.Entry

	// pending counts the undelivered pre-edge tokens per op index. A
	// token can satisfy any of this worker's ops, not just the one
	// currently waiting.
	pending []int

	ctx context.Context
}

func newWorker(file int, r *Replayer, inboxes []chan int,
	backoff chan<- trace.Desc, log *logrus.Entry) *worker {
	f := r.Files[file]
	w := &worker{
		file:    file,
		name:    f.Name,
		r:       r,
		ops:     f.Ops,
		inboxes: inboxes,
		backoff: backoff,
		log:     log.WithField("trace", f.Name),
		pending: make([]int, len(f.Ops)+1),
	}
	if inboxes != nil {
		w.inbox = inboxes[file]
	}
	for i := range f.Ops {
		w.pending[i] = len(r.Graph.Pre[file][i])
	}
	return w
}

func (w *worker) run(ctx context.Context) error {
	w.ctx = ctx
	w.handle = w.r.Store.Handle()
	_, err := w.runOps(1, len(w.ops), false)
	return err
}

// runOps executes ops [start, stop). Inside a traversal (inTraverse set)
// it stops and returns at the next traversal callback marker or when
// backoff triggers; the caller inspects the op type at the returned index.
func (w *worker) runOps(start, stop int, inTraverse bool) (int, error) {
	h := w.handle
	for i := start; i < stop; i++ {
		ok, err := w.drainPre(i, inTraverse)
		if err != nil {
			return i, err
		}
		if !ok {
			// Backed off; the enclosing traversal unwinds.
			return i, nil
		}

		op := &w.ops[i]
		switch op.Type {
		case trace.OpNone:
			// Open-line placeholder.

		case trace.OpLockAll:
			err = w.try(i, h.LockAll())
		case trace.OpLockAllMark:
			err = w.try(i, h.LockAllMark())
		case trace.OpLockAllUnmark:
			err = w.try(i, h.LockAllUnmark())
		case trace.OpLockAllNonblock:
			w.unreliable(i, h.LockAllNonblock(), h.LockAll, h.UnlockAll)
		case trace.OpUnlockAll:
			err = w.try(i, h.UnlockAll())
		case trace.OpLockAllRead:
			err = w.try(i, h.LockAllRead())
		case trace.OpLockAllReadNonblock:
			w.unreliable(i, h.LockAllReadNonblock(), h.LockAllRead, h.UnlockAllRead)
		case trace.OpUnlockAllRead:
			err = w.try(i, h.UnlockAllRead())

		case trace.OpChainlock:
			err = w.try(i, h.Chainlock(op.Data))
		case trace.OpChainlockNonblock:
			key := op.Data
			w.unreliable(i, h.ChainlockNonblock(key),
				func() int { return h.Chainlock(key) },
				func() int { return h.Chainunlock(key) })
		case trace.OpChainlockMark:
			err = w.try(i, h.ChainlockMark(op.Data))
		case trace.OpChainlockUnmark:
			err = w.try(i, h.ChainlockUnmark(op.Data))
		case trace.OpChainunlock:
			err = w.try(i, h.Chainunlock(op.Data))
		case trace.OpChainlockRead:
			err = w.try(i, h.ChainlockRead(op.Data))
		case trace.OpChainunlockRead:
			err = w.try(i, h.ChainunlockRead(op.Data))

		case trace.OpParseRecord:
			err = w.try(i, h.ParseRecord(op.Key, func(_, data []byte) int {
				return len(data)
			}))
		case trace.OpExists:
			err = w.try(i, h.Exists(op.Key))
		case trace.OpStore:
			err = w.try(i, h.Store(op.Key, op.Data, op.Flag))
		case trace.OpAppend:
			err = w.try(i, h.Append(op.Key, op.Data))
		case trace.OpGetSeqnum:
			err = w.try(i, h.GetSeqnum())
		case trace.OpWipeAll:
			err = w.try(i, h.WipeAll())
		case trace.OpDelete:
			err = w.try(i, h.Delete(op.Key))

		case trace.OpTransactionStart:
			err = w.try(i, h.TransactionStart())
		case trace.OpTransactionCancel:
			err = w.try(i, h.TransactionCancel())
		case trace.OpTransactionPrepareCommit:
			err = w.try(i, h.TransactionPrepareCommit())
		case trace.OpTransactionCommit:
			err = w.try(i, h.TransactionCommit())

		case trace.OpTraverseReadStart:
			i, err = w.opTraverse(i, false)
		case trace.OpTraverseStart:
			i, err = w.opTraverse(i, true)

		case trace.OpTraverse, trace.OpTraverseEndEarly:
			// We're in a traverse and our ops are done; hand control
			// back to the callback.
			return i, nil
		case trace.OpTraverseEnd:
			return i, common.Failf(w.name, i+1, "unexpected end traverse")

		case trace.OpFirstkey:
			if k := h.Firstkey(); !bytes.Equal(k, op.Data) {
				err = common.Failf(w.name, i+1, "bad firstkey")
			}
		case trace.OpNextkey:
			if k := h.Nextkey(op.Key); !bytes.Equal(k, op.Data) {
				err = common.Failf(w.name, i+1, "bad nextkey")
			}
		case trace.OpFetch:
			if f := h.Fetch(op.Key); !bytes.Equal(f, op.Data) {
				err = common.Failf(w.name, i+1, "bad fetch %d", len(f))
			}

		case trace.OpRepack:
			// The surrounding transaction and traversal are traced;
			// the repack itself has nothing to replay.
			h.Repack()
		}
		if err != nil {
			return i, err
		}

		w.firePost(i)
	}
	return stop, nil
}

// try compares a live result against the recorded one; divergence on a
// reliable op is fatal.
func (w *worker) try(i, live int) error {
	if live != w.ops[i].Ret {
		return common.Failf(w.name, i+1, "%s = %d (expected %d)",
			w.ops[i].Type, live, w.ops[i].Ret)
	}
	return nil
}

// unreliable compensates for racy non-blocking lock acquisition: when the
// live result disagrees with the record, fall back to the blocking
// variant (record said success) or release (record said failure). The
// divergence is reported but not fatal.
func (w *worker) unreliable(i, live int, force, undo func() int) {
	expect := w.ops[i].Ret
	if live == expect {
		return
	}
	w.log.Errorf("%s:%d: %s gave %d not %d", w.name, i+1,
		w.ops[i].Type, live, expect)
	if expect == 0 {
		force()
	} else {
		undo()
	}
}

// drainPre blocks until every pre-edge token for op i has arrived. The
// second return is false when the wait ended in backoff instead.
func (w *worker) drainPre(i int, inTraverse bool) (bool, error) {
	for w.pending[i] > 0 {
		timeout := w.r.Config.DeadlockTimeout
		if inTraverse {
			timeout = w.r.Config.BackoffTimeout
		}
		timer := time.NewTimer(timeout)
		select {
		case id := <-w.inbox:
			timer.Stop()
			w.pending[w.r.Graph.Edges[id].Needs.Index]--
		case <-w.ctx.Done():
			timer.Stop()
			return false, w.ctx.Err()
		case <-timer.C:
			if inTraverse {
				w.log.Warnf("%s:%d: avoiding deadlock", w.name, i+1)
				w.backoff <- trace.Desc{File: w.file, Index: i}
				return false, nil
			}
			return false, w.dumpPre(i)
		}
	}
	return true, nil
}

// dumpPre reports the prereqs op i is still waiting for, then fails.
func (w *worker) dumpPre(i int) error {
	var sb strings.Builder
	for _, id := range w.r.Graph.Pre[w.file][i] {
		e := &w.r.Graph.Edges[id]
		p := &w.r.Files[e.Prereq.File].Ops[e.Prereq.Index]
		fmt.Fprintf(&sb, "\n    %s:%d (%d)",
			w.r.Files[e.Prereq.File].Name, e.Prereq.Index+1, p.Seqnum)
	}
	return common.Failf(w.name, i+1, "deadlock: (%d) still waiting for:%s",
		w.ops[i].Seqnum, sb.String())
}

// firePost delivers op i's post-edge tokens to the waiting workers.
func (w *worker) firePost(i int) {
	for _, id := range w.r.Graph.Post[w.file][i] {
		e := &w.r.Graph.Edges[id]
		w.inboxes[e.Needs.File] <- id
	}
}

// traverseInfo tracks the worker's position inside a traversal group
// while the store drives the per-record callback.
type traverseInfo struct {
	w     *worker
	start int
	i     int
	err   error
}

// step runs the ops recorded for the n'th delivered record. Returning
// nonzero stops the store's walk.
func (ti *traverseInfo) step() int {
	w := ti.w
	travLen := w.ops[ti.start].GroupLen

	if ti.i == ti.start+travLen {
		// This can happen if the traverse expected to be empty.
		if travLen == 1 {
			return 1
		}
		ti.err = common.Failf(w.name, ti.start+1, "traverse did not terminate")
		return 1
	}
	if w.ops[ti.i].Type == trace.OpTraverseEndEarly {
		// Backoff truncated this traversal before its first callback.
		return 1
	}
	if w.ops[ti.i].Type != trace.OpTraverse {
		ti.err = common.Failf(w.name, ti.start+1, "traverse terminated early")
		return 1
	}

	// Ops inside the traverse hold the traverse lock, so their waits
	// are eligible for backoff.
	next, err := w.runOps(ti.i+1, ti.start+travLen, true)
	ti.i = next
	if err != nil {
		ti.err = err
		return 1
	}

	// We backed off, or we hit the traversal end.
	if w.ops[ti.i].Type != trace.OpTraverse {
		return 1
	}
	return 0
}

// opTraverse drives a whole traversal group and returns the index of its
// end op. Record delivery order differs between capture and replay, so
// in-group ops the walk never reached are drained afterwards, outside the
// traversal.
func (w *worker) opTraverse(start int, write bool) (int, error) {
	groupLen := w.ops[start].GroupLen
	ti := &traverseInfo{w: w, start: start, i: start + 1}
	fn := func(_, _ []byte) int { return ti.step() }
	if write {
		w.handle.Traverse(fn)
	} else {
		w.handle.TraverseRead(fn)
	}
	if ti.err != nil {
		return ti.i, ti.err
	}

	for ti.i != start+groupLen {
		t := w.ops[ti.i].Type
		if t == trace.OpTraverse || t == trace.OpTraverseEndEarly {
			ti.i++
			continue
		}
		next, err := w.runOps(ti.i, start+groupLen, false)
		if err != nil {
			return next, err
		}
		ti.i = next
	}
	return ti.i, nil
}
