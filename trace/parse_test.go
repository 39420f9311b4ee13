package trace

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rec encodes a byte string the way the trace grammar does.
func rec(s string) string {
	return fmt.Sprintf("%d:%x", len(s), []byte(s))
}

func parseTrace(t *testing.T, lines ...string) *File {
	t.Helper()
	content := strings.Join(append(append([]string{"tdb_open 1024 0 2"}, lines...), "tdb_close"), "\n")
	f, err := Parse("test.trace", strings.NewReader(content))
	require.NoError(t, err)
	return f
}

func TestParseOpenLine(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "Bare", line: "tdb_open 1024 0 2"},
		{name: "WithSeqnum", line: "1 tdb_open 1024 0 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse("t", strings.NewReader(tt.line+"\ntdb_close"))
			require.NoError(t, err)
			assert.Equal(t, uint32(1024), f.Hashsize)
			assert.Equal(t, uint32(0), f.TDBFlags)
			assert.Equal(t, uint32(2), f.OpenFlags)
			assert.Len(t, f.Ops, 1) // placeholder only
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Op
	}{
		{
			name: "Store",
			line: "7 tdb_store " + rec("A") + " " + rec("B") + " 1 = 0",
			want: Op{Seqnum: 7, Type: OpStore, Key: []byte("A"), Data: []byte("B"), Flag: 1},
		},
		{
			name: "StoreFailed",
			line: "7 tdb_store " + rec("A") + " " + rec("B") + " 2 = -1",
			want: Op{Seqnum: 7, Type: OpStore, Key: []byte("A"), Data: []byte("B"), Flag: 2, Ret: -1},
		},
		{
			name: "Fetch",
			line: "3 tdb_fetch " + rec("K") + " = " + rec("hello"),
			want: Op{Seqnum: 3, Type: OpFetch, Key: []byte("K"), Data: []byte("hello")},
		},
		{
			name: "FetchMissing",
			line: "3 tdb_fetch " + rec("K") + " = NULL",
			want: Op{Seqnum: 3, Type: OpFetch, Key: []byte("K")},
		},
		{
			name: "Exists",
			line: "4 tdb_exists " + rec("K") + " = 1",
			want: Op{Seqnum: 4, Type: OpExists, Key: []byte("K"), Ret: 1},
		},
		{
			name: "Delete",
			line: "9 tdb_delete " + rec("K") + " = -1",
			want: Op{Seqnum: 9, Type: OpDelete, Key: []byte("K"), Ret: -1},
		},
		{
			name: "ParseRecord",
			line: "2 tdb_parse_record " + rec("K") + " = 5",
			want: Op{Seqnum: 2, Type: OpParseRecord, Key: []byte("K"), Ret: 5},
		},
		{
			name: "GetSeqnum",
			line: "5 tdb_get_seqnum = 17",
			want: Op{Seqnum: 5, Type: OpGetSeqnum, Ret: 17},
		},
		{
			name: "LockAll",
			line: "1 tdb_lockall",
			want: Op{Seqnum: 1, Type: OpLockAll},
		},
		{
			name: "LockAllNonblockFailed",
			line: "1 tdb_lockall_nonblock = -1",
			want: Op{Seqnum: 1, Type: OpLockAllNonblock, Ret: -1},
		},
		{
			name: "Chainlock",
			line: "2 tdb_chainlock " + rec("C"),
			want: Op{Seqnum: 2, Type: OpChainlock, Data: []byte("C")},
		},
		{
			name: "ChainlockNonblock",
			line: "2 tdb_chainlock_nonblock " + rec("C") + " = 0",
			want: Op{Seqnum: 2, Type: OpChainlockNonblock, Data: []byte("C")},
		},
		{
			name: "WipeAll",
			line: "6 tdb_wipe_all",
			want: Op{Seqnum: 6, Type: OpWipeAll},
		},
		{
			name: "Firstkey",
			line: "8 tdb_firstkey = " + rec("K"),
			want: Op{Seqnum: 8, Type: OpFirstkey, Data: []byte("K")},
		},
		{
			name: "Nextkey",
			line: "8 tdb_nextkey " + rec("K") + " = NULL",
			want: Op{Seqnum: 8, Type: OpNextkey, Key: []byte("K")},
		},
		{
			name: "TraverseFn",
			line: "8 traversefn",
			want: Op{Seqnum: 8, Type: OpTraverse},
		},
		{
			name: "TraverseFull",
			line: "8 traverse " + rec("K") + " = " + rec("V"),
			want: Op{Seqnum: 8, Type: OpTraverse},
		},
		{
			name: "Repack",
			line: "9 tdb_repack",
			want: Op{Seqnum: 9, Type: OpRepack},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := parseTrace(t, tt.line)
			require.Len(t, f.Ops, 2)
			assert.Equal(t, tt.want, f.Ops[1])
		})
	}
}

func TestParseAppendDerivesPre(t *testing.T) {
	t.Run("WithPre", func(t *testing.T) {
		f := parseTrace(t, "3 tdb_append "+rec("K")+" "+rec("xy")+" = "+rec("abxy"))
		op := f.Ops[1]
		assert.Equal(t, []byte("xy"), op.Data)
		assert.Equal(t, []byte("abxy"), op.AppendPost)
		assert.Equal(t, []byte("ab"), op.AppendPre)
	})
	t.Run("EmptyPre", func(t *testing.T) {
		f := parseTrace(t, "3 tdb_append "+rec("K")+" "+rec("xy")+" = "+rec("xy"))
		assert.Len(t, f.Ops[1].AppendPre, 0)
	})
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "NoOpenLine",
			content: "1 tdb_store " + rec("A") + " " + rec("B") + " 0 = 0\ntdb_close",
			wantErr: "test.trace:1: FAIL: does not start with tdb_open",
		},
		{
			name:    "UnknownOp",
			content: "tdb_open 1 0 2\n1 tdb_frobnicate\ntdb_close",
			wantErr: "test.trace:2: FAIL: unknown operation 'tdb_frobnicate'",
		},
		{
			name:    "BadHex",
			content: "tdb_open 1 0 2\n1 tdb_fetch 2:zz12 = NULL\ntdb_close",
			wantErr: "test.trace:2: FAIL:",
		},
		{
			name:    "ShortHex",
			content: "tdb_open 1 0 2\n1 tdb_fetch 4:0a = NULL\ntdb_close",
			wantErr: "test.trace:2: FAIL:",
		},
		{
			name:    "BadArity",
			content: "tdb_open 1 0 2\n1 tdb_store " + rec("A") + " = 0\ntdb_close",
			wantErr: "test.trace:2: FAIL: expected <key> <data> <flag> = <ret>",
		},
		{
			name:    "LinesAfterClose",
			content: "tdb_open 1 0 2\ntdb_close\n1 tdb_lockall",
			wantErr: "test.trace:3: FAIL: lines after tdb_close",
		},
		{
			name:    "CommitWithoutStart",
			content: "tdb_open 1 0 2\n1 tdb_transaction_commit\ntdb_close",
			wantErr: "test.trace:2: FAIL: no transaction start found",
		},
		{
			name:    "TraverseEndWithoutStart",
			content: "tdb_open 1 0 2\n1 tdb_traverse_end\ntdb_close",
			wantErr: "test.trace:2: FAIL: no traversal start found",
		},
		{
			name: "NestedChainlockOtherKey",
			content: "tdb_open 1 0 2\n" +
				"1 tdb_chainlock " + rec("A") + "\n" +
				"2 tdb_chainlock " + rec("B") + "\n" +
				"3 tdb_chainunlock " + rec("A") + "\n" +
				"tdb_close",
			wantErr: "test.trace:4: FAIL: nested chainlock calls?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.trace", strings.NewReader(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGroupClosure(t *testing.T) {
	f := parseTrace(t,
		"1 tdb_transaction_start",
		"1 tdb_store "+rec("A")+" "+rec("x")+" 0 = 0",
		"2 tdb_transaction_commit",
		"3 tdb_chainlock "+rec("C"),
		"3 tdb_fetch "+rec("A")+" = "+rec("x"),
		"3 tdb_chainunlock "+rec("C"),
		"4 tdb_traverse_read_start",
		"4 traversefn",
		"4 tdb_fetch "+rec("A")+" = "+rec("x"),
		"5 tdb_traverse_end",
	)
	for i := 1; i < len(f.Ops); i++ {
		op := f.Ops[i]
		if op.StartsTransaction() || op.StartsTraverse() || op.StartsChainlock() {
			assert.Greater(t, op.GroupLen, 0, "group start at op %d not closed", i)
		}
		if op.GroupStart != 0 {
			start := f.Ops[op.GroupStart]
			assert.GreaterOrEqual(t, start.GroupLen, i-op.GroupStart,
				"op %d outside its group's span", i)
		}
	}
}

// Both transactions close with length two, and every op of each group
// points back at its own start.
func TestTransactionGrouping(t *testing.T) {
	f := parseTrace(t,
		"1 tdb_transaction_start",
		"1 tdb_store "+rec("K")+" "+rec("X")+" 0 = 0",
		"2 tdb_transaction_commit",
		"3 tdb_transaction_start",
		"3 tdb_store "+rec("K")+" "+rec("Y")+" 0 = 0",
		"4 tdb_transaction_cancel",
	)
	assert.Equal(t, 2, f.Ops[1].GroupLen)
	assert.Equal(t, 2, f.Ops[4].GroupLen)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 1, f.Ops[i].GroupStart)
	}
	for i := 4; i <= 6; i++ {
		assert.Equal(t, 4, f.Ops[i].GroupStart)
	}
}

func TestNestedTransactionRollsIn(t *testing.T) {
	f := parseTrace(t,
		"1 tdb_transaction_start",
		"1 tdb_transaction_start",
		"1 tdb_store "+rec("K")+" "+rec("X")+" 0 = 0",
		"2 tdb_transaction_commit",
		"2 tdb_transaction_commit",
	)
	assert.Equal(t, 4, f.Ops[1].GroupLen)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, f.Ops[i].GroupStart, "op %d", i)
	}
}

func TestNestedTraverseKeepsInnerStart(t *testing.T) {
	f := parseTrace(t,
		"1 tdb_traverse_read_start",
		"1 traversefn",
		"1 tdb_traverse_read_start",
		"1 traversefn",
		"2 tdb_traverse_end",
		"2 tdb_traverse_end",
	)
	// Inner ops keep the inner start; only the outer fringe belongs to
	// the outer traversal.
	assert.Equal(t, 3, f.Ops[4].GroupStart)
	assert.Equal(t, 3, f.Ops[3].GroupStart)
	assert.Equal(t, 1, f.Ops[2].GroupStart)
	assert.Equal(t, 1, f.Ops[6].GroupStart)
}

func TestTailSynthesizedCancel(t *testing.T) {
	f := parseTrace(t,
		"1 tdb_transaction_start",
		"1 tdb_store "+rec("K")+" "+rec("X")+" 0 = 0",
	)
	last := f.Ops[len(f.Ops)-1]
	assert.Equal(t, OpTransactionCancel, last.Type)
	assert.Equal(t, uint32(1), last.Seqnum)
	assert.Equal(t, 2, f.Ops[1].GroupLen)
}

func TestTruncatedTraceWithoutClose(t *testing.T) {
	content := "tdb_open 1 0 2\n1 tdb_store " + rec("A") + " " + rec("B") + " 0 = 0"
	f, err := Parse("test.trace", strings.NewReader(content))
	require.NoError(t, err)
	assert.Len(t, f.Ops, 2)
}

func TestWipeAllsCollected(t *testing.T) {
	f := parseTrace(t,
		"1 tdb_wipe_all",
		"2 tdb_store "+rec("A")+" "+rec("B")+" 0 = 0",
		"3 tdb_wipe_all",
	)
	assert.Equal(t, []int{1, 3}, f.WipeAlls)
}
