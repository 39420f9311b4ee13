package schedule

import (
	"fmt"
	"sort"

	"replay.evalgo.org/common"
	"replay.evalgo.org/store"
	"replay.evalgo.org/trace"
)

// solver determines, per key, a total order over the key's users that is
// consistent with every recorded return value. Ordering can be ambiguous
// because reads and failed writes don't bump the capture counter, and the
// counter itself is read without locking.
type solver struct {
	files []*trace.File
}

func (sv *solver) op(d trace.Desc) *trace.Op {
	return &sv.files[d.File].Ops[d.Index]
}

func (sv *solver) ops(d trace.Desc) []trace.Op {
	return sv.files[d.File].Ops
}

// userCompare is the pre-search comparator: trace-file order within a
// file, seqnum across files, and cancelled transactions ahead of
// successful ones on a tie (they cannot have bumped the counter).
type userCompare struct {
	files []*trace.File
}

func (c userCompare) compare(a, b trace.Desc) int {
	// First, maintain order within any trace file.
	if a.File == b.File {
		return a.Index - b.Index
	}

	opA := &c.files[a.File].Ops[a.Index]
	opB := &c.files[b.File].Ops[b.Index]
	if opA.Seqnum != opB.Seqnum {
		if opA.Seqnum < opB.Seqnum {
			return -1
		}
		return 1
	}

	if opA.StartsTransaction() && !trace.SuccessfulTransaction(c.files[a.File].Ops, a.Index) {
		return -1
	}
	if opB.StartsTransaction() && !trace.SuccessfulTransaction(c.files[b.File].Ops, b.Index) {
		return 1
	}
	return 0
}

// solveOrder sorts every key slot's users into a replayable order. Keys
// whose constraints cannot be met from an empty store are assumed to be
// pre-existing records; their inferred value is seeded into the master
// store and the search retried once.
func solveOrder(files []*trace.File, idx *keyIndex, master *store.Memory) error {
	sv := &solver{files: files}
	cmp := userCompare{files: files}

	for h := range idx.slots {
		s := &idx.slots[h]
		if len(s.users) == 0 {
			continue
		}
		sort.SliceStable(s.users, func(i, j int) bool {
			return cmp.compare(s.users[i], s.users[j]) < 0
		})
		if sv.figureDeps(s.key, state{}, s.users) {
			continue
		}

		seed, ok := sv.preexistingData(s.key, s.users)
		if !ok || !sv.figureDeps(s.key, seed, s.users) {
			u := s.users[0]
			return common.Failf(files[u.File].Name, u.Index+1,
				"Could not resolve inter-dependencies")
		}
		if err := master.Insert(s.key, seed.value); err != nil {
			return fmt.Errorf("could not store initial value: %w", err)
		}
	}
	return nil
}

// figureDeps searches for a valid arrangement, preferring strict seqnum
// order and getting more lax if that fails.
func (sv *solver) figureDeps(key []byte, initial state, users []trace.Desc) bool {
	for fuzz := 0; fuzz < 100; fuzz = (fuzz + 1) * 2 {
		if sv.sortDeps(users, 0, key, initial, fuzz) {
			return true
		}
	}
	return false
}

// sortDeps fills position off with a candidate whose constraint the
// current state satisfies, then recurses over the rest. Since ops within a
// trace file stay ordered, only the earliest unplaced user of each file is
// a candidate. The fuzz bound rejects arrangements that would make the
// sequence counter jump too far backwards.
func (sv *solver) sortDeps(users []trace.Desc, off int, key []byte, st state, fuzz int) bool {
	// None left? We're sorted.
	if off == len(users) {
		return true
	}

	if off > 0 {
		s1 := int64(sv.op(users[off-1]).Seqnum)
		s2 := int64(sv.op(users[off]).Seqnum)
		if s1-s2 > int64(fuzz) {
			return false
		}
	}

	done := make(map[int]bool, len(sv.files))
	for i := off; i < len(users) && len(done) < len(sv.files); i++ {
		d := users[i]
		if done[d.File] {
			continue
		}
		if satisfies(st, needs(sv.ops(d), d.Index, key)) {
			moveToFront(users, off, i)
			post, _ := gives(sv.ops(d), d.Index, key, st)
			if sv.sortDeps(users, off+1, key, post, fuzz) {
				return true
			}
			restoreToPos(users, off, i)
		}
		done[d.File] = true
	}

	// No combination worked.
	return false
}

// preexistingData guesses the value of a record assumed to predate the
// traces: the first user whose constraint names a value, requires the
// record, or accepts an empty one supplies it (the last two seed an empty
// record).
func (sv *solver) preexistingData(key []byte, users []trace.Desc) (state, bool) {
	for _, u := range users {
		need := needs(sv.ops(u), u.Index, key)
		switch need.Kind {
		case NeedValue:
			common.Logger.Infof("%s:%d: needs pre-existing record",
				sv.files[u.File].Name, u.Index+1)
			return state{exists: true, value: need.Value}, true
		case NeedMustExist, NeedNotExistsOrEmpty:
			common.Logger.Infof("%s:%d: needs pre-existing record",
				sv.files[u.File].Name, u.Index+1)
			return state{exists: true, value: []byte{}}, true
		}
	}
	return state{}, false
}

func moveToFront(res []trace.Desc, off, elem int) {
	if elem != off {
		tmp := res[elem]
		copy(res[off+1:elem+1], res[off:elem])
		res[off] = tmp
	}
}

func restoreToPos(res []trace.Desc, off, elem int) {
	if elem != off {
		tmp := res[off]
		copy(res[off:elem], res[off+1:elem+1])
		res[elem] = tmp
	}
}
