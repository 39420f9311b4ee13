package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// TransactionStart opens a transaction on this handle. Transactions take
// the store-wide transaction lock, so they exclude traversals and other
// transactions. Nested starts on the same handle stack; starting a
// transaction inside a traversal fails like the traced store does.
func (h *Handle) TransactionStart() int {
	if h.travDepth > 0 {
		return -1
	}
	if h.tx != nil {
		h.txDepth++
		return 0
	}
	h.s.txLock.Lock()
	tx, err := h.s.db.Begin(true)
	if err != nil {
		h.s.txLock.Unlock()
		return -1
	}
	h.tx = tx
	h.savedSeq = h.s.getSeqnum()
	return 0
}

// TransactionPrepareCommit validates that a commit can follow.
func (h *Handle) TransactionPrepareCommit() int {
	if h.tx == nil {
		return -1
	}
	return 0
}

// TransactionCommit commits the innermost transaction; only the outermost
// commit writes to disk.
func (h *Handle) TransactionCommit() int {
	if h.tx == nil {
		return -1
	}
	if h.txDepth > 0 {
		h.txDepth--
		return 0
	}
	err := h.tx.Commit()
	h.tx = nil
	h.s.txLock.Unlock()
	if err != nil {
		return -1
	}
	return 0
}

// TransactionCancel ends the innermost transaction. A nested cancel only
// closes its level and rolls nothing back; the outermost cancel rolls the
// whole transaction back, and the db sequence number reverts with the data.
func (h *Handle) TransactionCancel() int {
	if h.tx == nil {
		return -1
	}
	if h.txDepth > 0 {
		h.txDepth--
		return 0
	}
	err := h.tx.Rollback()
	h.tx = nil
	h.s.setSeqnum(h.savedSeq)
	h.s.txLock.Unlock()
	if err != nil {
		return -1
	}
	return 0
}

// InTransaction reports whether the handle has an open transaction.
func (h *Handle) InTransaction() bool {
	return h.tx != nil
}

// TraverseRead walks every record under the shared traversal lock,
// invoking fn per record until it returns nonzero. Returns the number of
// records visited, or -1 on error.
func (h *Handle) TraverseRead(fn TraverseFunc) int {
	if h.tx != nil {
		h.travDepth++
		defer func() { h.travDepth-- }()
		return h.walkTx(h.tx, fn)
	}
	h.s.txLock.RLock()
	defer h.s.txLock.RUnlock()
	h.travDepth++
	defer func() { h.travDepth-- }()
	return h.walk(fn)
}

// Traverse walks every record under the exclusive traversal lock; fn may
// modify or delete records through the handle, and its writes are
// immediately visible to readers once the callback's op completes.
func (h *Handle) Traverse(fn TraverseFunc) int {
	if h.tx != nil {
		h.travDepth++
		defer func() { h.travDepth-- }()
		return h.walkTx(h.tx, fn)
	}
	h.s.txLock.Lock()
	defer h.s.txLock.Unlock()
	h.travDepth++
	defer func() { h.travDepth-- }()
	return h.walk(fn)
}

// walk snapshots the key set once, then re-fetches each record right
// before its callback. Records the callback (or a concurrent writer)
// deleted are skipped rather than revisited; each record op inside the
// callback runs in its own short transaction, so nothing is buffered past
// the op that produced it.
func (h *Handle) walk(fn TraverseFunc) int {
	var keys [][]byte
	err := h.s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return -1
	}

	count := 0
	for _, k := range keys {
		var data []byte
		found := false
		h.s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(recordsBucket).Cursor()
			if got, v := c.Seek(k); bytes.Equal(got, k) {
				found = true
				data = append([]byte(nil), v...)
			}
			return nil
		})
		if !found {
			continue
		}
		count++
		if fn(k, data) != 0 {
			break
		}
	}
	return count
}

// walkTx is the in-transaction variant: the walk and every callback op
// share the handle's open transaction.
func (h *Handle) walkTx(tx *bolt.Tx, fn TraverseFunc) int {
	var keys [][]byte
	c := tx.Bucket(recordsBucket).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	count := 0
	for _, k := range keys {
		// The bucket may have been wiped and recreated by the callback.
		b := tx.Bucket(recordsBucket)
		cur := b.Cursor()
		got, v := cur.Seek(k)
		if !bytes.Equal(got, k) {
			continue
		}
		data := append([]byte(nil), v...)
		count++
		if fn(k, data) != 0 {
			break
		}
	}
	return count
}
