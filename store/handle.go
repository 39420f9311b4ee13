package store

import (
	bolt "go.etcd.io/bbolt"
)

// TraverseFunc is called once per record during a traversal. A nonzero
// return stops the walk.
type TraverseFunc func(key, data []byte) int

// ParseFunc is called with the record data under ParseRecord; its return
// value becomes the operation result.
type ParseFunc func(key, data []byte) int

// Handle is one worker's view of the store. It owns the worker's open
// transaction and traversal state; it must not be shared across
// goroutines.
type Handle struct {
	s *Store

	// tx is the writable transaction open between TransactionStart and
	// commit/cancel; nil outside transactions.
	tx        *bolt.Tx
	txDepth   int
	savedSeq  int
	travDepth int
}

// view runs fn against the current read context: the open transaction if
// there is one, else a short-lived read transaction.
func (h *Handle) view(fn func(b *bolt.Bucket) error) error {
	if h.tx != nil {
		return fn(h.tx.Bucket(recordsBucket))
	}
	return h.s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(recordsBucket))
	})
}

// update runs fn with write access: inside the open transaction if there
// is one, else a short-lived write transaction that commits before the
// operation returns, keeping every completed op visible to the other
// workers.
func (h *Handle) update(fn func(b *bolt.Bucket) error) error {
	if h.tx != nil {
		return fn(h.tx.Bucket(recordsBucket))
	}
	return h.s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(recordsBucket))
	})
}

// Fetch returns the record data for key, or nil when the record does not
// exist. The returned slice is a copy.
func (h *Handle) Fetch(key []byte) []byte {
	var out []byte
	h.view(func(b *bolt.Bucket) error {
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out
}

// Exists reports whether the record exists: 1 yes, 0 no.
func (h *Handle) Exists(key []byte) int {
	ret := 0
	h.view(func(b *bolt.Bucket) error {
		if b.Get(key) != nil {
			ret = 1
		}
		return nil
	})
	return ret
}

// ParseRecord invokes fn on the record data without copying it out of the
// transaction. Returns fn's result, or -1 when the record does not exist.
func (h *Handle) ParseRecord(key []byte, fn ParseFunc) int {
	ret := -1
	h.view(func(b *bolt.Bucket) error {
		if v := b.Get(key); v != nil {
			ret = fn(key, v)
		}
		return nil
	})
	return ret
}

// Store writes a record under the given flag: flagInsert fails on an
// existing record, flagModify fails on a missing one, flagReplace always
// writes.
func (h *Handle) Store(key, data []byte, flag int) int {
	ret := 0
	err := h.update(func(b *bolt.Bucket) error {
		existing := b.Get(key)
		switch flag {
		case flagInsert:
			if existing != nil {
				ret = -1
				return nil
			}
		case flagModify:
			if existing == nil {
				ret = -1
				return nil
			}
		}
		if data == nil {
			data = []byte{}
		}
		return b.Put(key, data)
	})
	if err != nil {
		return -1
	}
	if ret == 0 {
		h.s.bumpSeqnum()
	}
	return ret
}

// Append appends data to the record, creating it when missing.
func (h *Handle) Append(key, data []byte) int {
	err := h.update(func(b *bolt.Bucket) error {
		old := b.Get(key)
		merged := make([]byte, 0, len(old)+len(data))
		merged = append(merged, old...)
		merged = append(merged, data...)
		return b.Put(key, merged)
	})
	if err != nil {
		return -1
	}
	h.s.bumpSeqnum()
	return 0
}

// Delete removes the record; -1 when it does not exist.
func (h *Handle) Delete(key []byte) int {
	ret := 0
	err := h.update(func(b *bolt.Bucket) error {
		if b.Get(key) == nil {
			ret = -1
			return nil
		}
		return b.Delete(key)
	})
	if err != nil {
		return -1
	}
	if ret == 0 {
		h.s.bumpSeqnum()
	}
	return ret
}

// WipeAll removes every record.
func (h *Handle) WipeAll() int {
	var err error
	if h.tx != nil {
		err = wipeBucket(h.tx)
	} else {
		err = h.s.db.Update(wipeBucket)
	}
	if err != nil {
		return -1
	}
	h.s.bumpSeqnum()
	return 0
}

func wipeBucket(tx *bolt.Tx) error {
	if err := tx.DeleteBucket(recordsBucket); err != nil {
		return err
	}
	_, err := tx.CreateBucket(recordsBucket)
	return err
}

// GetSeqnum returns the db sequence number.
func (h *Handle) GetSeqnum() int {
	return h.s.getSeqnum()
}

// Repack is traced but has nothing to do on replay; the surrounding
// transaction and traversal ops carry the observable effects.
func (h *Handle) Repack() int {
	return 0
}

// Firstkey returns the first key in the store, or nil when empty.
func (h *Handle) Firstkey() []byte {
	var out []byte
	h.view(func(b *bolt.Bucket) error {
		k, _ := b.Cursor().First()
		if k != nil {
			out = append([]byte(nil), k...)
		}
		return nil
	})
	return out
}

// Nextkey returns the key following key in iteration order, or nil at the
// end.
func (h *Handle) Nextkey(key []byte) []byte {
	var out []byte
	h.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		k, _ := c.Seek(key)
		if k == nil {
			return nil
		}
		if string(k) == string(key) {
			k, _ = c.Next()
		}
		if k != nil {
			out = append([]byte(nil), k...)
		}
		return nil
	})
	return out
}

// Store flag values, matching the tdb wire encoding.
const (
	flagReplace = 0
	flagInsert  = 1
	flagModify  = 2
)
