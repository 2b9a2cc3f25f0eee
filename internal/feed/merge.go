package feed

import "sort"

// Merge combines two streams of one entity into a single feed ordered newest
// first, without duplicate ids, holding at most k records.
//
// Records with equal CreatedAt are ordered by id so the result does not
// depend on input order. When an id appears twice, the newer record wins.
// A k of zero or less returns an empty feed.
func Merge(a, b []ActionRecord, k int) []ActionRecord {
	if k <= 0 {
		return []ActionRecord{}
	}

	all := make([]ActionRecord, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]ActionRecord, 0, min(k, len(all)))
	seen := make(map[string]struct{}, len(all))
	for _, r := range all {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out
}

// LatestID returns the id of the head record, or "" for an empty feed.
func LatestID(records []ActionRecord) string {
	if len(records) == 0 {
		return ""
	}
	return records[0].ID
}

// Diff classifies the records of a freshly merged feed that precede the
// previously persisted head id.
//
// When prevLatest is found at position p, the records [0, p) are returned
// oldest first. When prevLatest is empty (first poll) or no longer present
// in the feed, found is false and nothing is returned: the caller only
// advances its baseline.
func Diff(prevLatest string, records []ActionRecord) (fresh []ActionRecord, found bool) {
	if prevLatest == "" {
		return nil, false
	}
	for p, r := range records {
		if r.ID != prevLatest {
			continue
		}
		if p == 0 {
			return nil, true
		}
		fresh = make([]ActionRecord, 0, p)
		for i := p - 1; i >= 0; i-- {
			fresh = append(fresh, records[i])
		}
		return fresh, true
	}
	return nil, false
}
