package trace

import (
	"bufio"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"replay.evalgo.org/common"
)

// handler populates the op-kind specific fields from the words following
// "<seqnum> <opname>" and validates their arity.
type handler func(p *parser, i int, args []string) error

type keyword struct {
	typ   OpType
	parse handler
}

// keywords maps every recognized opname to its type and line handler. End
// ops (commit/cancel, chain-unlock, traverse end) run group analysis as
// part of parsing, exactly when the matching start becomes identifiable.
var keywords = map[string]keyword{
	"tdb_lockall":               {OpLockAll, (*parser).parseOptRet},
	"tdb_lockall_mark":          {OpLockAllMark, (*parser).parseOptRet},
	"tdb_lockall_unmark":        {OpLockAllUnmark, (*parser).parseOptRet},
	"tdb_lockall_nonblock":      {OpLockAllNonblock, (*parser).parseOptRet},
	"tdb_unlockall":             {OpUnlockAll, (*parser).parseOptRet},
	"tdb_lockall_read":          {OpLockAllRead, (*parser).parseOptRet},
	"tdb_lockall_read_nonblock": {OpLockAllReadNonblock, (*parser).parseOptRet},
	"tdb_unlockall_read":        {OpUnlockAllRead, (*parser).parseOptRet},

	"tdb_chainlock":          {OpChainlock, (*parser).parseChainlock},
	"tdb_chainlock_nonblock": {OpChainlockNonblock, (*parser).parseChainlockRet},
	"tdb_chainlock_mark":     {OpChainlockMark, (*parser).parseChainlock},
	"tdb_chainlock_unmark":   {OpChainlockUnmark, (*parser).parseChainlock},
	"tdb_chainunlock":        {OpChainunlock, (*parser).analyzeChainlock},
	"tdb_chainlock_read":     {OpChainlockRead, (*parser).parseChainlock},
	"tdb_chainunlock_read":   {OpChainunlockRead, (*parser).analyzeChainlock},

	"tdb_parse_record": {OpParseRecord, (*parser).parseKeyRet},
	"tdb_exists":       {OpExists, (*parser).parseKeyRet},
	"tdb_store":        {OpStore, (*parser).parseStore},
	"tdb_append":       {OpAppend, (*parser).parseAppend},
	"tdb_get_seqnum":   {OpGetSeqnum, (*parser).parseRetOnly},
	"tdb_wipe_all":     {OpWipeAll, (*parser).parseWipeAll},
	"tdb_repack":       {OpRepack, (*parser).parseNoArgs},

	"tdb_transaction_start":          {OpTransactionStart, (*parser).parseGroupStart},
	"tdb_transaction_cancel":         {OpTransactionCancel, (*parser).analyzeTransaction},
	"tdb_transaction_prepare_commit": {OpTransactionPrepareCommit, (*parser).parseOptRet},
	"tdb_transaction_commit":         {OpTransactionCommit, (*parser).analyzeTransaction},

	"tdb_traverse_read_start": {OpTraverseReadStart, (*parser).parseGroupStart},
	"tdb_traverse_start":      {OpTraverseStart, (*parser).parseGroupStart},
	"tdb_traverse_end":        {OpTraverseEnd, (*parser).analyzeTraverse},

	// Full traverse records key and data, traversefn drops them; both are
	// intentionally lossy since replay reconstructs records by re-traversal.
	"traverse":   {OpTraverse, (*parser).parseTraverseRec},
	"traversefn": {OpTraverse, (*parser).parseNoArgs},

	"tdb_firstkey": {OpFirstkey, (*parser).parseDataOnly},
	"tdb_nextkey":  {OpNextkey, (*parser).parseKeyData},
	"tdb_fetch":    {OpFetch, (*parser).parseKeyData},
	"tdb_delete":   {OpDelete, (*parser).parseKeyRet},
}

type parser struct {
	f    *File
	line int
}

func (p *parser) failf(format string, args ...interface{}) error {
	return common.Failf(p.f.Name, p.line, format, args...)
}

// Load reads and parses one trace file.
func Load(name string) (*File, error) {
	fh, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(name, fh)
}

// Parse parses trace content read from r. The name is used for
// diagnostics only.
func Parse(name string, r io.Reader) (*File, error) {
	p := &parser{f: &File{Name: name}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, common.Failf(name, 1, "file is empty")
	}
	p.line = 1
	if err := p.parseOpen(sc.Text()); err != nil {
		return nil, err
	}

	// Ops[0] stands in for the open line; real ops start at index 1 so
	// op index i maps to line i+1.
	p.f.Ops = append(p.f.Ops, Op{})

	closed := false
	for sc.Scan() {
		p.line++
		if closed {
			return nil, p.failf("lines after tdb_close")
		}
		words := strings.Fields(sc.Text())
		if len(words) == 0 {
			return nil, p.failf("empty line")
		}
		if words[0] == "tdb_close" || (len(words) > 1 && words[1] == "tdb_close") {
			closed = true
			continue
		}
		if len(words) < 2 {
			return nil, p.failf("expected seqnum number and op")
		}
		seq, err := strconv.ParseUint(words[0], 10, 32)
		if err != nil {
			return nil, p.failf("invalid seqnum '%s'", words[0])
		}
		kw, ok := keywords[words[1]]
		if !ok {
			return nil, p.failf("unknown operation '%s'", words[1])
		}
		i := len(p.f.Ops)
		p.f.Ops = append(p.f.Ops, Op{Seqnum: uint32(seq), Type: kw.typ})
		if err := kw.parse(p, i, words[2:]); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !closed {
		common.Logger.Warnf("%s:%d: last operation is not tdb_close: incomplete?",
			name, p.line)
	}

	if err := p.maybeCancelTransaction(); err != nil {
		return nil, err
	}
	return p.f, nil
}

func (p *parser) parseOpen(line string) error {
	words := strings.Fields(line)
	// The capturer emits a bare "tdb_open ..." first line, but older
	// traces carry a leading seqnum like every other line.
	switch {
	case len(words) == 4 && words[0] == "tdb_open":
		words = words[1:]
	case len(words) == 5 && words[1] == "tdb_open":
		words = words[2:]
	default:
		return p.failf("does not start with tdb_open")
	}
	vals := make([]uint32, 3)
	for i, w := range words {
		v, err := strconv.ParseUint(w, 0, 32)
		if err != nil {
			return p.failf("invalid tdb_open parameter '%s'", w)
		}
		vals[i] = uint32(v)
	}
	p.f.Hashsize, p.f.TDBFlags, p.f.OpenFlags = vals[0], vals[1], vals[2]
	return nil
}

// parseData decodes a byte-string argument: "<dsize>:<hex>" with two hex
// characters per byte, or the literal NULL.
func (p *parser) parseData(word string) ([]byte, error) {
	if word == "NULL" {
		return nil, nil
	}
	colon := strings.IndexByte(word, ':')
	if colon < 0 {
		return nil, p.failf("invalid tdb data '%s'", word)
	}
	size, err := strconv.Atoi(word[:colon])
	if err != nil || size < 0 {
		return nil, p.failf("invalid tdb data '%s'", word)
	}
	hexpart := word[colon+1:]
	if len(hexpart) != size*2 {
		return nil, p.failf("invalid tdb data '%s': want %d hex chars, have %d",
			word, size*2, len(hexpart))
	}
	data, err := hex.DecodeString(hexpart)
	if err != nil {
		return nil, p.failf("invalid hex in tdb data '%s'", word)
	}
	return data, nil
}

func (p *parser) parseNoArgs(i int, args []string) error {
	if len(args) != 0 {
		return p.failf("expected no arguments")
	}
	return nil
}

// parseOptRet accepts either no arguments or a trailing "= <ret>".
func (p *parser) parseOptRet(i int, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) != 2 || args[0] != "=" {
		return p.failf("expected '= <ret>'")
	}
	ret, err := strconv.Atoi(args[1])
	if err != nil {
		return p.failf("invalid return value '%s'", args[1])
	}
	p.f.Ops[i].Ret = ret
	return nil
}

func (p *parser) parseKeyRet(i int, args []string) error {
	if len(args) != 3 || args[1] != "=" {
		return p.failf("expected <key> = <ret>")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	ret, err := strconv.Atoi(args[2])
	if err != nil {
		return p.failf("invalid return value '%s'", args[2])
	}
	p.f.Ops[i].Key = key
	p.f.Ops[i].Ret = ret
	// May only be a unique key if it fails.
	if ret != 0 {
		p.f.KeyBound++
	}
	return nil
}

func (p *parser) parseKeyData(i int, args []string) error {
	if len(args) != 3 || args[1] != "=" {
		return p.failf("expected <key> = <data>")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	data, err := p.parseData(args[2])
	if err != nil {
		return err
	}
	p.f.Ops[i].Key = key
	p.f.Ops[i].Data = data
	// Likely only a unique key if it fails.
	if data == nil || rand.Intn(2) == 0 {
		p.f.KeyBound++
	}
	return nil
}

func (p *parser) parseDataOnly(i int, args []string) error {
	if len(args) != 2 || args[0] != "=" {
		return p.failf("expected = <data>")
	}
	data, err := p.parseData(args[1])
	if err != nil {
		return err
	}
	p.f.Ops[i].Data = data
	return nil
}

func (p *parser) parseRetOnly(i int, args []string) error {
	if len(args) != 2 || args[0] != "=" {
		return p.failf("expected = <ret>")
	}
	ret, err := strconv.Atoi(args[1])
	if err != nil {
		return p.failf("invalid return value '%s'", args[1])
	}
	p.f.Ops[i].Ret = ret
	return nil
}

func (p *parser) parseStore(i int, args []string) error {
	if len(args) != 5 || args[3] != "=" {
		return p.failf("expected <key> <data> <flag> = <ret>")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	data, err := p.parseData(args[1])
	if err != nil {
		return err
	}
	flag, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		return p.failf("invalid store flag '%s'", args[2])
	}
	ret, err := strconv.Atoi(args[4])
	if err != nil {
		return p.failf("invalid return value '%s'", args[4])
	}
	p.f.Ops[i].Key = key
	p.f.Ops[i].Data = data
	p.f.Ops[i].Flag = int(flag)
	p.f.Ops[i].Ret = ret
	p.f.KeyBound++
	return nil
}

func (p *parser) parseAppend(i int, args []string) error {
	if len(args) != 4 || args[2] != "=" {
		return p.failf("expected <key> <data> = <rec>")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	data, err := p.parseData(args[1])
	if err != nil {
		return err
	}
	post, err := p.parseData(args[3])
	if err != nil {
		return err
	}
	if len(post) < len(data) {
		return p.failf("append result shorter than appended data")
	}
	op := &p.f.Ops[i]
	op.Key = key
	op.Data = data
	op.AppendPost = post
	// By subtraction, figure out what the previous data was.
	op.AppendPre = post[:len(post)-len(data)]
	p.f.KeyBound++
	return nil
}

// parseTraverseRec handles the full "traverse <key> = <data>" form; the
// payloads are validated and dropped.
func (p *parser) parseTraverseRec(i int, args []string) error {
	if len(args) != 3 || args[1] != "=" {
		return p.failf("expected <key> = <data>")
	}
	if _, err := p.parseData(args[0]); err != nil {
		return err
	}
	if _, err := p.parseData(args[2]); err != nil {
		return err
	}
	return nil
}

func (p *parser) parseGroupStart(i int, args []string) error {
	if len(args) != 0 {
		return p.failf("expected no arguments")
	}
	return nil
}

// parseChainlock handles the chainlock variants that take just a key: the
// blocking locks that open a group, and mark/unmark. The lock key is not a record key and may not be in the db at all, so it
// goes in the data slot where the key index will not see it.
func (p *parser) parseChainlock(i int, args []string) error {
	if len(args) != 1 {
		return p.failf("expected just a key")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	p.f.Ops[i].Data = key
	return nil
}

func (p *parser) parseChainlockRet(i int, args []string) error {
	if len(args) != 3 || args[1] != "=" {
		return p.failf("expected <key> = <ret>")
	}
	key, err := p.parseData(args[0])
	if err != nil {
		return err
	}
	ret, err := strconv.Atoi(args[2])
	if err != nil {
		return p.failf("invalid return value '%s'", args[2])
	}
	p.f.Ops[i].Data = key
	p.f.Ops[i].Ret = ret
	p.f.KeyBound++
	return nil
}

func (p *parser) parseWipeAll(i int, args []string) error {
	if len(args) != 0 {
		return p.failf("expected no arguments")
	}
	p.f.WipeAlls = append(p.f.WipeAlls, i)
	return nil
}
