package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeeds(t *testing.T) {
	key := []byte("K")
	tests := []struct {
		name string
		line string
		want Need
	}{
		{
			name: "StoreInsertSucceeded",
			line: "1 tdb_store " + rec("K") + " " + rec("v") + " 1 = 0",
			want: Need{Kind: NeedMustNotExist},
		},
		{
			name: "StoreInsertFailed",
			line: "1 tdb_store " + rec("K") + " " + rec("v") + " 1 = -1",
			want: Need{Kind: NeedMustExist},
		},
		{
			name: "StoreModifySucceeded",
			line: "1 tdb_store " + rec("K") + " " + rec("v") + " 2 = 0",
			want: Need{Kind: NeedMustExist},
		},
		{
			name: "StoreModifyFailed",
			line: "1 tdb_store " + rec("K") + " " + rec("v") + " 2 = -1",
			want: Need{Kind: NeedMustNotExist},
		},
		{
			name: "StoreReplace",
			line: "1 tdb_store " + rec("K") + " " + rec("v") + " 0 = 0",
			want: Need{Kind: NeedNone},
		},
		{
			name: "AppendOntoEmpty",
			line: "1 tdb_append " + rec("K") + " " + rec("xy") + " = " + rec("xy"),
			want: Need{Kind: NeedNotExistsOrEmpty},
		},
		{
			name: "AppendOntoExisting",
			line: "1 tdb_append " + rec("K") + " " + rec("xy") + " = " + rec("abxy"),
			want: Need{Kind: NeedValue, Value: []byte("ab")},
		},
		{
			name: "ExistsTrue",
			line: "1 tdb_exists " + rec("K") + " = 1",
			want: Need{Kind: NeedMustExist},
		},
		{
			name: "ExistsFalse",
			line: "1 tdb_exists " + rec("K") + " = 0",
			want: Need{Kind: NeedMustNotExist},
		},
		{
			name: "ParseSucceeded",
			line: "1 tdb_parse_record " + rec("K") + " = 3",
			want: Need{Kind: NeedMustExist},
		},
		{
			name: "ParseFailed",
			line: "1 tdb_parse_record " + rec("K") + " = -1",
			want: Need{Kind: NeedMustNotExist},
		},
		{
			name: "FetchValue",
			line: "1 tdb_fetch " + rec("K") + " = " + rec("data"),
			want: Need{Kind: NeedValue, Value: []byte("data")},
		},
		{
			name: "FetchMissing",
			line: "1 tdb_fetch " + rec("K") + " = NULL",
			want: Need{Kind: NeedMustNotExist},
		},
		{
			name: "DeleteSucceeded",
			line: "1 tdb_delete " + rec("K") + " = 0",
			want: Need{Kind: NeedMustExist},
		},
		{
			name: "DeleteFailed",
			line: "1 tdb_delete " + rec("K") + " = -1",
			want: Need{Kind: NeedMustNotExist},
		},
		{
			name: "WipeAll",
			line: "1 tdb_wipe_all",
			want: Need{Kind: NeedNone},
		},
		{
			name: "GetSeqnum",
			line: "1 tdb_get_seqnum = 4",
			want: Need{Kind: NeedNone},
		},
		{
			name: "ChainlockNonblockFailed",
			line: "1 tdb_chainlock_nonblock " + rec("K") + " = -1",
			want: Need{Kind: NeedNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := parseFile(t, "t", tt.line)
			assert.Equal(t, tt.want, needs(f.Ops, 1, key))
		})
	}
}

func TestNeedsDescendsIntoGroups(t *testing.T) {
	key := []byte("K")

	t.Run("TransactionPinsKey", func(t *testing.T) {
		f := parseFile(t, "t",
			"1 tdb_transaction_start",
			"1 tdb_store "+rec("K")+" "+rec("v")+" 1 = 0",
			"2 tdb_transaction_commit",
		)
		assert.Equal(t, Need{Kind: NeedMustNotExist}, needs(f.Ops, 1, key))
	})

	t.Run("ExistsKeepsScanning", func(t *testing.T) {
		// The exists check constrains but doesn't change the value; a
		// later op in the group supplies the real requirement.
		f := parseFile(t, "t",
			"1 tdb_transaction_start",
			"1 tdb_exists "+rec("K")+" = 1",
			"1 tdb_fetch "+rec("K")+" = "+rec("old"),
			"2 tdb_transaction_commit",
		)
		assert.Equal(t, Need{Kind: NeedValue, Value: []byte("old")}, needs(f.Ops, 1, key))
	})

	t.Run("OtherKeysIgnored", func(t *testing.T) {
		f := parseFile(t, "t",
			"1 tdb_transaction_start",
			"1 tdb_store "+rec("other")+" "+rec("v")+" 1 = 0",
			"2 tdb_transaction_commit",
		)
		assert.Equal(t, Need{Kind: NeedNone}, needs(f.Ops, 1, key))
	})
}

func TestGives(t *testing.T) {
	key := []byte("K")
	pre := state{exists: true, value: []byte("before")}

	tests := []struct {
		name        string
		line        string
		want        state
		wantChanged bool
	}{
		{
			name:        "StoreSucceeded",
			line:        "1 tdb_store " + rec("K") + " " + rec("v") + " 0 = 0",
			want:        state{exists: true, value: []byte("v")},
			wantChanged: true,
		},
		{
			name:        "StoreFailed",
			line:        "1 tdb_store " + rec("K") + " " + rec("v") + " 1 = -1",
			want:        pre,
			wantChanged: false,
		},
		{
			name:        "Delete",
			line:        "1 tdb_delete " + rec("K") + " = 0",
			want:        state{},
			wantChanged: true,
		},
		{
			name:        "WipeAll",
			line:        "1 tdb_wipe_all",
			want:        state{},
			wantChanged: true,
		},
		{
			name:        "Append",
			line:        "1 tdb_append " + rec("K") + " " + rec("xy") + " = " + rec("beforexy"),
			want:        state{exists: true, value: []byte("beforexy")},
			wantChanged: true,
		},
		{
			name:        "FetchLeavesState",
			line:        "1 tdb_fetch " + rec("K") + " = " + rec("before"),
			want:        pre,
			wantChanged: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := parseFile(t, "t", tt.line)
			got, changed := gives(f.Ops, 1, key, pre)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

// The committed transaction folds its member stores; the cancelled one
// leaves the state alone.
func TestGivesOverTransactions(t *testing.T) {
	key := []byte("K")
	f := parseFile(t, "t",
		"1 tdb_transaction_start",
		"1 tdb_store "+rec("K")+" "+rec("X")+" 0 = 0",
		"2 tdb_transaction_commit",
		"3 tdb_transaction_start",
		"3 tdb_store "+rec("K")+" "+rec("Y")+" 0 = 0",
		"4 tdb_transaction_cancel",
	)

	st, changed := gives(f.Ops, 1, key, state{})
	assert.True(t, changed)
	assert.Equal(t, state{exists: true, value: []byte("X")}, st)

	st, changed = gives(f.Ops, 4, key, st)
	assert.False(t, changed)
	assert.Equal(t, []byte("X"), st.value)
}

func TestSatisfies(t *testing.T) {
	present := state{exists: true, value: []byte("v")}
	empty := state{exists: true, value: []byte{}}

	tests := []struct {
		name string
		st   state
		need Need
		want bool
	}{
		{name: "NoneAlwaysHolds", st: state{}, need: Need{Kind: NeedNone}, want: true},
		{name: "MustExistPresent", st: present, need: Need{Kind: NeedMustExist}, want: true},
		{name: "MustExistAbsent", st: state{}, need: Need{Kind: NeedMustExist}, want: false},
		{name: "MustNotExistAbsent", st: state{}, need: Need{Kind: NeedMustNotExist}, want: true},
		{name: "MustNotExistPresent", st: present, need: Need{Kind: NeedMustNotExist}, want: false},
		{name: "EmptyOrAbsentEmpty", st: empty, need: Need{Kind: NeedNotExistsOrEmpty}, want: true},
		{name: "EmptyOrAbsentAbsent", st: state{}, need: Need{Kind: NeedNotExistsOrEmpty}, want: true},
		{name: "EmptyOrAbsentFull", st: present, need: Need{Kind: NeedNotExistsOrEmpty}, want: false},
		{name: "ValueMatch", st: present, need: Need{Kind: NeedValue, Value: []byte("v")}, want: true},
		{name: "ValueMismatch", st: present, need: Need{Kind: NeedValue, Value: []byte("w")}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, satisfies(tt.st, tt.need))
		})
	}
}

func TestChangesDB(t *testing.T) {
	key := []byte("K")
	f := parseFile(t, "t",
		"1 tdb_store "+rec("K")+" "+rec("v")+" 0 = 0",
		"2 tdb_fetch "+rec("K")+" = "+rec("v"),
	)
	assert.True(t, changesDB(f.Ops, 1, key))
	assert.False(t, changesDB(f.Ops, 2, key))
}
