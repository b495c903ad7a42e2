package ltp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/go-dtn/ion/internal/heap"
)

// sessionCatalogName is the DH catalog entry under which every open
// export/import session is recorded as a typed-list record, removed once
// the session reaches a terminal state (§6 "Persisted state layout").
const sessionCatalogName = "ltpSessions"

const (
	sessionKindExport byte = 1
	sessionKindImport byte = 2
)

func findOrCreateSessionList(txn *heap.Txn) (heap.ListID, error) {
	loc, err := txn.Find(sessionCatalogName)
	if err == nil {
		return heap.ListID(loc), nil
	}
	if err != heap.ErrNotFound {
		return 0, err
	}
	id, err := txn.ListCreate()
	if err != nil {
		return 0, err
	}
	if err := txn.Catlg(sessionCatalogName, heap.Location(id)); err != nil {
		return 0, err
	}
	return id, nil
}

func encodeSessionRecord(kind byte, session SessionID, clientID uint64) []byte {
	b := make([]byte, 25)
	b[0] = kind
	binary.BigEndian.PutUint64(b[1:9], session.SourceEngine)
	binary.BigEndian.PutUint64(b[9:17], session.Number)
	binary.BigEndian.PutUint64(b[17:25], clientID)
	return b
}

func decodeSessionRecord(b []byte) (kind byte, session SessionID, clientID uint64, err error) {
	if len(b) != 25 {
		err = errors.New("ltp: truncated session record")
		return
	}
	kind = b[0]
	session = SessionID{
		SourceEngine: binary.BigEndian.Uint64(b[1:9]),
		Number:       binary.BigEndian.Uint64(b[9:17]),
	}
	clientID = binary.BigEndian.Uint64(b[17:25])
	return
}

// persistSession appends one session record to "ltpSessions" inside txn,
// an already-open transaction supplied by the caller (StartExport and the
// first data segment of a new ImportSession each already hold one). It
// returns the list/node pair the caller stores on the session so retire
// can find the record again.
func persistSession(txn *heap.Txn, kind byte, session SessionID, clientID uint64) (heap.ListID, heap.NodeID, error) {
	list, err := findOrCreateSessionList(txn)
	if err != nil {
		return 0, 0, err
	}
	node, err := txn.ListInsertLast(list, heap.Null, encodeSessionRecord(kind, session, clientID))
	if err != nil {
		return 0, 0, err
	}
	return list, node, nil
}

// retireSession removes a session's record, if it has one, riding the
// caller's already-open transaction (every call site in engine.go already
// holds one while handling the segment or timer expiry that ends the
// session).
func retireSession(txn *heap.Txn, list heap.ListID, node heap.NodeID) error {
	if list == 0 && node == 0 {
		return nil
	}
	return txn.ListDelete(list, node)
}
