package metrics

import "sort"

// ErrorBucket is the failure count for one lifecycle stage and reason.
type ErrorBucket struct {
	Stage  string
	Reason string
	Count  int64
}

// FlattenErrorBreakdown converts a nested stage->reason map into a sorted slice of ErrorBucket rows.
// Rows are sorted by descending count, then by stage/reason for stability.
func FlattenErrorBreakdown(breakdown map[string]map[string]int64) []ErrorBucket {
	if len(breakdown) == 0 {
		return nil
	}
	rows := make([]ErrorBucket, 0)
	for stage, reasons := range breakdown {
		for reason, count := range reasons {
			rows = append(rows, ErrorBucket{Stage: stage, Reason: reason, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			if rows[i].Stage == rows[j].Stage {
				return rows[i].Reason < rows[j].Reason
			}
			return rows[i].Stage < rows[j].Stage
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
