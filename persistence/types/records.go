package persistenceTypes

import (
	"sort"
)

// SortRecords orders records by sequence id. Records of different sessions
// sharing a sequence id are ordered by session id
func SortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Seq() == records[j].Seq() {
			return records[i].SessionID < records[j].SessionID
		}

		return records[i].Seq() < records[j].Seq()
	})
}

// ValidRecord checks record may be stored
func ValidRecord(r *Record) error {
	if r == nil || r.Message == nil || r.SessionID == "" {
		return ErrInvalidArgs
	}

	return nil
}
