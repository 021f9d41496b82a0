package assignment

type Stats struct {
	Total              int     `json:"total"`
	Successful         int     `json:"successful"`
	Failed             int     `json:"failed"`
	Processing         int     `json:"processing"`
	Pending            int     `json:"pending"`
	Completed          int     `json:"completed"`
	ProgressPercentage float64 `json:"progress_percentage"`
	IsCompleted        bool    `json:"is_completed"`
}

// ComputeStats derives the progress aggregate from the item statuses alone.
func ComputeStats(items []Item) Stats {
	stats := Stats{Total: len(items)}

	for _, item := range items {
		switch item.Status {
		case StatusSuccess:
			stats.Successful++
		case StatusFailed:
			stats.Failed++
		case StatusProcessing:
			stats.Processing++
		case StatusPending:
			stats.Pending++
		}
	}

	stats.Completed = stats.Successful + stats.Failed
	if stats.Total > 0 {
		stats.ProgressPercentage = float64(stats.Completed) / float64(stats.Total) * 100
	}
	stats.IsCompleted = stats.Total > 0 && stats.Completed == stats.Total

	return stats
}

// HasFailures reports whether a retry should be offered.
func (s Stats) HasFailures() bool {
	return s.Failed > 0
}
