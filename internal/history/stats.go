package history

import (
	"sort"
	"time"
)

// Distribution summarizes one metric across a record window.
type Distribution struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
}

// HourBucket counts cycles that started within one clock hour.
type HourBucket struct {
	Hour      time.Time `json:"hour"`
	Total     int       `json:"total"`
	Committed int       `json:"committed"`
}

// Stats is the aggregate view the dashboard renders.
type Stats struct {
	Window      time.Duration  `json:"-"`
	Total       int            `json:"total"`
	Committed   int            `json:"committed"`
	RolledBack  int            `json:"rolled_back"`
	Skipped     int            `json:"skipped"`
	Halted      int            `json:"halted"`
	Requeued    int            `json:"requeued"`
	SuccessRate float64        `json:"success_rate"`
	TotalCost   float64        `json:"total_cost_usd"`
	Duration    Distribution   `json:"duration_seconds"`
	Cost        Distribution   `json:"cost_usd"`
	Retries     Distribution   `json:"retries"`
	BatchSize   Distribution   `json:"batch_size"`
	BySource    map[string]int `json:"by_source"`
	Hourly      []HourBucket   `json:"hourly"`
}

// ComputeStats aggregates the records whose timestamp falls within the
// trailing window. Reset markers are bookkeeping and are left out.
func ComputeStats(records []Record, window time.Duration) Stats {
	cutoff := time.Now().Add(-window)
	stats := Stats{Window: window, BySource: make(map[string]int)}

	var durations, costs, retries, batches []float64
	buckets := make(map[time.Time]*HourBucket)

	for _, rec := range records {
		if rec.Timestamp.Before(cutoff) || rec.Outcome == OutcomeReset {
			continue
		}
		stats.Total++
		stats.TotalCost += rec.CostUSD

		switch rec.Outcome {
		case OutcomeCommitted:
			stats.Committed++
		case OutcomeRolledBack:
			stats.RolledBack++
		case OutcomeSkipped:
			stats.Skipped++
		case OutcomeHalted:
			stats.Halted++
		}
		if rec.Requeued {
			stats.Requeued++
		}

		for _, src := range rec.Sources {
			stats.BySource[src]++
		}

		if rec.executed() {
			durations = append(durations, rec.DurationSecs)
			costs = append(costs, rec.CostUSD)
			retries = append(retries, float64(rec.Retries))
			if rec.BatchSize > 0 {
				batches = append(batches, float64(rec.BatchSize))
			}
		}

		hour := rec.Timestamp.Truncate(time.Hour)
		bucket, ok := buckets[hour]
		if !ok {
			bucket = &HourBucket{Hour: hour}
			buckets[hour] = bucket
		}
		bucket.Total++
		if rec.Outcome == OutcomeCommitted {
			bucket.Committed++
		}
	}

	executed := stats.Committed + stats.RolledBack
	if executed > 0 {
		stats.SuccessRate = float64(stats.Committed) / float64(executed)
	}

	stats.Duration = summarize(durations)
	stats.Cost = summarize(costs)
	stats.Retries = summarize(retries)
	stats.BatchSize = summarize(batches)

	for _, bucket := range buckets {
		stats.Hourly = append(stats.Hourly, *bucket)
	}
	sort.Slice(stats.Hourly, func(i, j int) bool {
		return stats.Hourly[i].Hour.Before(stats.Hourly[j].Hour)
	})
	return stats
}

func summarize(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return Distribution{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   sum / float64(len(sorted)),
		Median: percentile(sorted, 0.50),
		P90:    percentile(sorted, 0.90),
		P95:    percentile(sorted, 0.95),
	}
}

// percentile picks from a sorted slice by nearest rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
