package ledger

import (
	"context"
	"time"
)

// Function identifies which gateway operation produced a usage entry.
type Function string

const (
	FunctionScrape  Function = "scrape"
	FunctionSearch  Function = "search"
	FunctionMap     Function = "map"
	FunctionCrawl   Function = "crawl"
	FunctionCleanup Function = "cleanup"
)

// ValidFunction reports whether f is one of the known gateway functions.
func ValidFunction(f Function) bool {
	switch f {
	case FunctionScrape, FunctionSearch, FunctionMap, FunctionCrawl, FunctionCleanup:
		return true
	}
	return false
}

// Entry represents a single gateway call attempt written to the usage ledger.
// Entries are append-only: inserted once, never updated, and only removed in
// bulk by the retention sweeper.
type Entry struct {
	ID            int64     `json:"id"`
	UUID          string    `json:"uuid"`
	UserID        string    `json:"user_id"`
	Function      Function  `json:"function_name"`
	RequestTarget *string   `json:"request_target,omitempty"`
	StatusCode    *int      `json:"status_code,omitempty"`
	Success       bool      `json:"success"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store defines persistence behaviour for the usage ledger.
//
// CreatedAt is assigned by the store at insert time, never taken from the
// caller, so the rate window cannot be gamed by client clock skew.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// StringPtr builds a nullable entry field.
func StringPtr(s string) *string { return &s }

// IntPtr builds a nullable entry field.
func IntPtr(n int) *int { return &n }
