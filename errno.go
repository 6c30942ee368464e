package cowtree

import "errors"

// Sentinel errors for the internal free-space/page plumbing.
var (
	errNoAvailablePage = errors.New("cowtree: no available page")
	errPageIdOverflow  = errors.New("cowtree: page id overflow")
)

// Error kinds that surface to a caller of Environment/Tx; everything else
// is wrapped with fmt.Errorf at the component boundary that produced it.
var (
	// ErrInvalidFormat: magic mismatch, bad version, page numbers beyond the
	// file, negative transaction id. Fatal to the open/recovery attempt.
	ErrInvalidFormat = errors.New("cowtree: invalid format")

	// ErrCorruptJournal: wraps an error returned by journal recovery on
	// Open, which then fails. A journal record that fails to decode, lacks
	// its commit marker or fails its CRC does not produce it: recovery
	// stops quietly at the last valid transaction and Open continues.
	ErrCorruptJournal = errors.New("cowtree: corrupt journal segment")

	// ErrTransactionTooLarge: a write transaction would span more than two
	// journal files. The transaction must be rolled back.
	ErrTransactionTooLarge = errors.New("cowtree: transaction spans more than two journal files")

	// ErrDatabaseFull: the free-space bit map has no free pages and the file
	// could not be extended.
	ErrDatabaseFull = errors.New("cowtree: database full")

	// ErrObjectDisposed: a second release of an already-released journal
	// file reference.
	ErrObjectDisposed = errors.New("cowtree: object already disposed")

	// ErrTxReadOnly: a write operation was attempted against a read
	// transaction.
	ErrTxReadOnly = errors.New("cowtree: transaction is read-only")

	// ErrTxDone: the transaction already committed or rolled back.
	ErrTxDone = errors.New("cowtree: transaction already committed or rolled back")

	// ErrTreeNotFound: delete_tree on a name with no entry in the root
	// tree. Opening a tree by such a name binds a fresh, empty tree instead.
	ErrTreeNotFound = errors.New("cowtree: tree not found")

	// ErrTreeExists: create_tree on a name that already has an entry.
	ErrTreeExists = errors.New("cowtree: tree already exists")

	// ErrKeyNotFound: not returned by Get or Del, which report an absent
	// key through their boolean result.
	ErrKeyNotFound = errors.New("cowtree: key not found")
)
