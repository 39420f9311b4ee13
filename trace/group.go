package trace

import (
	"bytes"
	"strconv"
)

// findStart walks backwards from op index from looking for the nearest
// group-starting op of the given type that has not been closed yet.
// Returns 0 when there is none (index 0 is the open-line placeholder).
func findStart(ops []Op, from int, typ OpType) int {
	for i := from - 1; i > 0; i-- {
		if ops[i].Type == typ && ops[i].GroupLen == 0 {
			return i
		}
	}
	return 0
}

// analyzeTransaction closes the transaction group ending at op i. Nested
// transactions roll into the outer one.
func (p *parser) analyzeTransaction(i int, args []string) error {
	if len(args) != 0 {
		return p.failf("expected no arguments")
	}
	ops := p.f.Ops
	start := findStart(ops, i, OpTransactionStart)
	if start == 0 {
		return p.failf("no transaction start found")
	}
	ops[start].GroupLen = i - start
	for j := start; j <= i; j++ {
		ops[j].GroupStart = start
	}
	return nil
}

// analyzeChainlock closes the chain-lock group ending at op i. Chain locks
// are grouped much like transactions, even though that is overkill. Nested
// chainlock calls with a different key are a deadlock risk and rejected.
func (p *parser) analyzeChainlock(i int, args []string) error {
	if len(args) != 1 {
		return p.failf("expected just a key")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	ops := p.f.Ops
	ops[i].Data = key
	p.f.KeyBound++

	start := findStart(ops, i, OpChainlock)
	if start == 0 {
		start = findStart(ops, i, OpChainlockRead)
	}
	if start == 0 {
		// A successful non-blocking acquire brackets a group too.
		for j := i - 1; j > 0; j-- {
			if ops[j].Type == OpChainlockNonblock && ops[j].Ret == 0 &&
				ops[j].GroupLen == 0 {
				start = j
				break
			}
		}
	}
	if start == 0 {
		return p.failf("no initial chainlock found")
	}
	if !bytes.Equal(ops[start].Data, key) {
		return p.failf("nested chainlock calls?")
	}
	ops[start].GroupLen = i - start
	for j := start; j <= i; j++ {
		ops[j].GroupStart = start
	}
	return nil
}

// analyzeTraverse closes the traversal group ending at op i. An optional
// "= <n>" records that the traverse function terminated the walk. Inner
// ops that already belong to a nested traversal or chain-lock keep their
// inner start.
func (p *parser) analyzeTraverse(i int, args []string) error {
	ops := p.f.Ops
	if len(args) != 0 {
		if len(args) != 2 || args[0] != "=" {
			return p.failf("expected = <num>")
		}
		ret, err := strconv.Atoi(args[1])
		if err != nil {
			return p.failf("invalid return value '%s'", args[1])
		}
		ops[i].Ret = ret
	}

	start := findStart(ops, i, OpTraverseStart)
	if start == 0 {
		start = findStart(ops, i, OpTraverseReadStart)
	}
	if start == 0 {
		return p.failf("no traversal start found")
	}
	ops[start].GroupLen = i - start
	for j := start; j <= i; j++ {
		if ops[j].GroupStart == 0 {
			ops[j].GroupStart = start
		}
	}
	return nil
}

// maybeCancelTransaction synthesizes a trailing cancel when the trace ends
// with a transaction still open. tdbtorture in particular can close the db
// mid-transaction.
func (p *parser) maybeCancelTransaction() error {
	ops := p.f.Ops
	start := findStart(ops, len(ops), OpTransactionStart)
	if start == 0 {
		return nil
	}
	p.f.Ops = append(p.f.Ops, Op{
		Seqnum: ops[start].Seqnum,
		Type:   OpTransactionCancel,
	})
	return p.analyzeTransaction(len(p.f.Ops)-1, nil)
}
