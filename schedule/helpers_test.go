package schedule

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"replay.evalgo.org/trace"
)

// rec encodes a byte string the way the trace grammar does.
func rec(s string) string {
	return fmt.Sprintf("%d:%x", len(s), []byte(s))
}

// formatLine assembles one trace line from a seqnum, opname and arguments.
func formatLine(seq int, op string, args ...string) string {
	parts := append([]string{fmt.Sprint(seq), op}, args...)
	return strings.Join(parts, " ")
}

// parseFile builds a trace file from op lines, wrapping them in the open
// and close lines.
func parseFile(t *testing.T, name string, lines ...string) *trace.File {
	t.Helper()
	content := strings.Join(append(append([]string{"tdb_open 1024 0 2"}, lines...), "tdb_close"), "\n")
	f, err := trace.Parse(name, strings.NewReader(content))
	require.NoError(t, err)
	return f
}

// userFiles maps a user list to its file indices, for asserting solved
// orders.
func userFiles(users []trace.Desc) []int {
	out := make([]int, len(users))
	for i, u := range users {
		out[i] = u.File
	}
	return out
}

// slotFor finds the key index slot holding key.
func slotFor(t *testing.T, idx *keyIndex, key []byte) *keyInfo {
	t.Helper()
	h := idx.lookup(key)
	require.NotNil(t, idx.slots[h].key, "key %q not indexed", key)
	return &idx.slots[h]
}
