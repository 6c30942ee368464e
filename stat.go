package cowtree

import "sync/atomic"

// ExportStat is a point-in-time snapshot of an Environment's counters,
// returned by Environment.Stats.
type ExportStat struct {
	StorageCacheHit  uint64
	StorageCacheMis  uint64
	FreelistCacheHit uint64
	FreelistCacheMis uint64
	TxCommitSumTs    uint64

	// Journal counters, populated only when Config.JournalEnabled is set.
	JournalSegmentsRetired uint64
	JournalBytesApplied    uint64
	JournalOldestPinnedTx  uint64
}

type iStat struct {
	storageCacheHit   atomic.Uint64
	storageCacheMis   atomic.Uint64
	freelistCacheHit  atomic.Uint64
	freelistCacheMis  atomic.Uint64
	txCommitMaxTime   atomic.Uint64
	txCommitMinTime   atomic.Uint64
	txCommitSumTs     atomic.Uint64
	txCommitCount     atomic.Uint64
	txRollbackCount   atomic.Uint64
	txRollbackMaxTime atomic.Uint64
	txRollbackMinTime atomic.Uint64

	journalSegmentsRetired atomic.Uint64
	journalBytesApplied    atomic.Uint64
	journalOldestPinnedTx  atomic.Uint64
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		StorageCacheHit:        s.storageCacheHit.Load(),
		StorageCacheMis:        s.storageCacheMis.Load(),
		FreelistCacheHit:       s.freelistCacheHit.Load(),
		FreelistCacheMis:       s.freelistCacheMis.Load(),
		TxCommitSumTs:          s.txCommitSumTs.Load(),
		JournalSegmentsRetired: s.journalSegmentsRetired.Load(),
		JournalBytesApplied:    s.journalBytesApplied.Load(),
		JournalOldestPinnedTx:  s.journalOldestPinnedTx.Load(),
	}
}
