package analytics

import (
	"time"

	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
)

// UserBreakdown summarises one user's recent calls.
type UserBreakdown struct {
	UserID     string    `json:"user_id"`
	Total      int       `json:"total"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	LastCallAt time.Time `json:"last_call_at"`
}

// Report is a pure projection over a window of ledger entries. Building it
// never writes anything.
type Report struct {
	SampleSize         int            `json:"sample_size"`
	TotalCalls         int            `json:"total_calls"`
	SuccessRatePercent float64        `json:"success_rate_percent"`
	PerFunction        map[string]int `json:"per_function"`
	DistinctUsers      int            `json:"distinct_users"`
	Users              []UserBreakdown `json:"users"`
}

// Build aggregates the given entries (expected newest first, as returned by
// ledger.Store.ListRecent) into an operator report.
func Build(entries []ledger.Entry) Report {
	report := Report{
		SampleSize:  len(entries),
		TotalCalls:  len(entries),
		PerFunction: make(map[string]int),
	}

	successes := 0
	perUser := make(map[string]*UserBreakdown)
	var order []string

	for _, e := range entries {
		report.PerFunction[string(e.Function)]++
		if e.Success {
			successes++
		}

		u, ok := perUser[e.UserID]
		if !ok {
			u = &UserBreakdown{UserID: e.UserID}
			perUser[e.UserID] = u
			order = append(order, e.UserID)
		}
		u.Total++
		if e.Success {
			u.Success++
		} else {
			u.Failed++
		}
		if e.CreatedAt.After(u.LastCallAt) {
			u.LastCallAt = e.CreatedAt
		}
	}

	if len(entries) > 0 {
		report.SuccessRatePercent = float64(successes) / float64(len(entries)) * 100
	}
	report.DistinctUsers = len(perUser)
	// First-seen order: users with the most recent activity lead the list.
	for _, id := range order {
		report.Users = append(report.Users, *perUser[id])
	}
	return report
}
