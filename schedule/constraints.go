package schedule

import (
	"bytes"

	"replay.evalgo.org/trace"
)

// NeedKind classifies what an op requires of a key's pre-state. The
// sentinel kinds are distinct from any concrete byte string.
type NeedKind int

const (
	// NeedNone means the op does not care whether the record exists.
	NeedNone NeedKind = iota
	// NeedMustExist requires the record to exist with any value.
	NeedMustExist
	// NeedMustNotExist requires the record to be absent.
	NeedMustNotExist
	// NeedNotExistsOrEmpty accepts an absent or zero-length record.
	NeedNotExistsOrEmpty
	// NeedValue requires a specific byte string.
	NeedValue
)

// Need is the constraint an op places on a key's pre-state.
type Need struct {
	Kind  NeedKind
	Value []byte
}

// state is a key's value while the solver walks candidate orders. The
// zero value is an absent record.
type state struct {
	exists bool
	value  []byte
}

// needs derives the pre-state constraint ops[i] places on key, purely from
// the recorded return values.
func needs(ops []trace.Op, i int, key []byte) Need {
	op := &ops[i]

	// For a group start, scan the group for the op that pins this key.
	// An exists check constrains without altering state, so keep
	// scanning past it for something more specific; any other match
	// changes the value and ends the scan.
	if op.StartsTransaction() || op.StartsChainlock() {
		need := Need{Kind: NeedNone}
		for j := 1; j < op.GroupLen; j++ {
			m := &ops[i+j]
			if (m.Key != nil && bytes.Equal(m.Key, key)) || m.Type == trace.OpWipeAll {
				need = needs(ops, i+j, key)
				if m.Type != trace.OpExists {
					break
				}
			}
		}
		return need
	}

	switch op.Type {
	case trace.OpAppend:
		if len(op.AppendPre) == 0 {
			return Need{Kind: NeedNotExistsOrEmpty}
		}
		return Need{Kind: NeedValue, Value: op.AppendPre}

	case trace.OpStore:
		switch op.Flag {
		case trace.FlagInsert:
			if op.Ret < 0 {
				return Need{Kind: NeedMustExist}
			}
			return Need{Kind: NeedMustNotExist}
		case trace.FlagModify:
			if op.Ret < 0 {
				return Need{Kind: NeedMustNotExist}
			}
			return Need{Kind: NeedMustExist}
		}
		return Need{Kind: NeedNone}

	case trace.OpExists:
		if op.Ret == 1 {
			return Need{Kind: NeedMustExist}
		}
		return Need{Kind: NeedMustNotExist}

	case trace.OpParseRecord:
		if op.Ret < 0 {
			return Need{Kind: NeedMustNotExist}
		}
		return Need{Kind: NeedMustExist}

	case trace.OpFetch:
		if op.Data == nil {
			return Need{Kind: NeedMustNotExist}
		}
		return Need{Kind: NeedValue, Value: op.Data}

	case trace.OpDelete:
		if op.Ret < 0 {
			return Need{Kind: NeedMustNotExist}
		}
		return Need{Kind: NeedMustExist}
	}

	// Locks, wipes, traversal callbacks, iteration and lifecycle ops
	// constrain nothing.
	return Need{Kind: NeedNone}
}

// gives computes the post-state of key after ops[i] runs against pre. The
// second result reports whether the op writes the key at all, independent
// of the particular pre-state.
func gives(ops []trace.Op, i int, key []byte, pre state) (state, bool) {
	op := &ops[i]

	if op.StartsTransaction() || op.StartsChainlock() {
		// Cancelled transactions don't change anything.
		if ops[i+op.GroupLen].Type == trace.OpTransactionCancel {
			return pre, false
		}
		changed := false
		for j := 1; j < op.GroupLen; j++ {
			m := &ops[i+j]
			// Nested starts carry no key, so this skips them too.
			if (m.Key != nil && bytes.Equal(m.Key, key)) || m.Type == trace.OpWipeAll {
				var ch bool
				pre, ch = gives(ops, i+j, key, pre)
				changed = changed || ch
			}
		}
		return pre, changed
	}

	// Failed ops don't change the state of the db.
	if op.Ret < 0 {
		return pre, false
	}

	switch op.Type {
	case trace.OpDelete, trace.OpWipeAll:
		return state{}, true
	case trace.OpAppend:
		return state{exists: true, value: op.AppendPost}, true
	case trace.OpStore:
		return state{exists: true, value: op.Data}, true
	}
	return pre, false
}

// satisfies reports whether a key in state st meets the need.
func satisfies(st state, need Need) bool {
	switch need.Kind {
	case NeedMustNotExist:
		return !st.exists
	case NeedMustExist:
		return st.exists
	case NeedNotExistsOrEmpty:
		return len(st.value) == 0
	case NeedValue:
		return bytes.Equal(st.value, need.Value)
	}
	return true
}

// changesDB reports whether the op (or any committed member of its group)
// writes the key.
func changesDB(ops []trace.Op, i int, key []byte) bool {
	_, changed := gives(ops, i, key, state{})
	return changed
}
