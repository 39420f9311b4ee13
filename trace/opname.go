package trace

// opNames maps op types back to the names the trace grammar uses, for
// diagnostics.
var opNames = map[OpType]string{
	OpNone:                     "tdb_open",
	OpLockAll:                  "tdb_lockall",
	OpLockAllMark:              "tdb_lockall_mark",
	OpLockAllUnmark:            "tdb_lockall_unmark",
	OpLockAllNonblock:          "tdb_lockall_nonblock",
	OpUnlockAll:                "tdb_unlockall",
	OpLockAllRead:              "tdb_lockall_read",
	OpLockAllReadNonblock:      "tdb_lockall_read_nonblock",
	OpUnlockAllRead:            "tdb_unlockall_read",
	OpChainlock:                "tdb_chainlock",
	OpChainlockNonblock:        "tdb_chainlock_nonblock",
	OpChainlockMark:            "tdb_chainlock_mark",
	OpChainlockUnmark:          "tdb_chainlock_unmark",
	OpChainunlock:              "tdb_chainunlock",
	OpChainlockRead:            "tdb_chainlock_read",
	OpChainunlockRead:          "tdb_chainunlock_read",
	OpParseRecord:              "tdb_parse_record",
	OpExists:                   "tdb_exists",
	OpStore:                    "tdb_store",
	OpAppend:                   "tdb_append",
	OpGetSeqnum:                "tdb_get_seqnum",
	OpWipeAll:                  "tdb_wipe_all",
	OpTransactionStart:         "tdb_transaction_start",
	OpTransactionCancel:        "tdb_transaction_cancel",
	OpTransactionPrepareCommit: "tdb_transaction_prepare_commit",
	OpTransactionCommit:        "tdb_transaction_commit",
	OpTraverseReadStart:        "tdb_traverse_read_start",
	OpTraverseStart:            "tdb_traverse_start",
	OpTraverseEnd:              "tdb_traverse_end",
	OpTraverse:                 "traversefn",
	OpTraverseEndEarly:         "traverse_end_early",
	OpFirstkey:                 "tdb_firstkey",
	OpNextkey:                  "tdb_nextkey",
	OpFetch:                    "tdb_fetch",
	OpDelete:                   "tdb_delete",
	OpRepack:                   "tdb_repack",
}

func (t OpType) String() string {
	if name, ok := opNames[t]; ok {
		return name
	}
	return "unknown"
}
