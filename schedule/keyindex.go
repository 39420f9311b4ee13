// Package schedule reconstructs a cross-process execution order from loaded
// traces. It indexes every record key to its users, solves a per-key total
// order consistent with the recorded return values, seeds pre-existing
// records into the master store, and emits the happens-before edges the
// coordination runtime enforces.
package schedule

import (
	"bytes"

	"replay.evalgo.org/trace"
)

// keyInfo remembers one record key and every op that uses it.
type keyInfo struct {
	key   []byte
	users []trace.Desc
}

// keyIndex is an open-addressed hash table over record keys, sized to
// twice the upper bound of distinct keys tracked during loading.
type keyIndex struct {
	files []*trace.File
	slots []keyInfo
}

// hashKey is the gdbm-derived mix the capturer uses, seeded with the key
// length.
func hashKey(key []byte) uint32 {
	value := uint32(0x238F13AF) ^ uint32(len(key))
	for i, b := range key {
		value += uint32(b) << (uint(i) * 5 % 24)
	}
	return 1103515243*value + 12345
}

// newKeyIndex indexes every keyed op across all files, then appends each
// wipe-all op as a user of every occupied slot.
func newKeyIndex(files []*trace.File) *keyIndex {
	// Avoid mod by zero on a key-free trace set.
	bound := 1
	for _, f := range files {
		bound += f.KeyBound
	}
	ki := &keyIndex{
		files: files,
		slots: make([]keyInfo, bound*2),
	}
	for fi, f := range files {
		for oi := 1; oi < len(f.Ops); oi++ {
			if f.Ops[oi].Key == nil {
				continue
			}
			h := ki.lookup(f.Ops[oi].Key)
			// Share the canonical key buffer to keep comparisons cheap.
			f.Ops[oi].Key = ki.slots[h].key
			ki.addUser(h, trace.Desc{File: fi, Index: oi})
		}
	}
	for h := range ki.slots {
		if len(ki.slots[h].users) == 0 {
			continue
		}
		for fi, f := range files {
			for _, wi := range f.WipeAlls {
				ki.addUser(h, trace.Desc{File: fi, Index: wi})
			}
		}
	}
	return ki
}

// lookup finds the slot holding key, installing it on first sight.
func (ki *keyIndex) lookup(key []byte) int {
	h := int(hashKey(key) % uint32(len(ki.slots)))
	for !bytes.Equal(ki.slots[h].key, key) {
		if ki.slots[h].key == nil {
			ki.slots[h].key = key
			break
		}
		h = (h + 1) % len(ki.slots)
	}
	return h
}

// addUser records an op as a user of the slot. Ops inside a transaction or
// chain-lock are what the group start observes, so they collapse to it and
// deduplicate.
func (ki *keyIndex) addUser(h int, d trace.Desc) {
	ops := ki.files[d.File].Ops
	if trace.InTransaction(ops, d.Index) || trace.InChainlock(ops, d.Index) {
		d.Index = ops[d.Index].GroupStart
		for _, u := range ki.slots[h].users {
			if u == d {
				return
			}
		}
	}
	ki.slots[h].users = append(ki.slots[h].users, d)
}
