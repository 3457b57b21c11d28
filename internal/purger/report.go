package purger

import (
	"fmt"
	"time"

	"github.com/postalsys/htcp-purger/internal/routing"
)

// Outcome is the fate of a single URL in a batch.
type Outcome int

const (
	// OutcomePending means the URL was not processed. It only appears if
	// a send goroutine exits without reporting.
	OutcomePending Outcome = iota
	// OutcomeSent means the packet was written to the socket.
	OutcomeSent
	// OutcomeNoRoute means no route matched and the URL was skipped.
	OutcomeNoRoute
	// OutcomeFailed means encoding or sending failed.
	OutcomeFailed
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeSent:
		return "SENT"
	case OutcomeNoRoute:
		return "NO_ROUTE"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result describes what happened to one URL.
type Result struct {
	URL           string
	Outcome       Outcome
	Destination   routing.Destination
	TransactionID uint32
	Bytes         int
	Err           error
}

// Report summarizes a Purge call. Results are in input order.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Count returns the number of results with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Bytes returns the total bytes sent.
func (r *Report) Bytes() int {
	n := 0
	for _, res := range r.Results {
		n += res.Bytes
	}
	return n
}

// maxErrorURL bounds how much of a URL URLError.Error prints.
const maxErrorURL = 256

// URLError reports a failed purge for one URL. Error truncates long URLs;
// the URL field keeps the full value.
type URLError struct {
	URL string
	Op  string
	Err error
}

// Error implements the error interface.
func (e *URLError) Error() string {
	return fmt.Sprintf("purge %s: %s: %v", shortURL(e.URL), e.Op, e.Err)
}

func shortURL(url string) string {
	if len(url) <= maxErrorURL {
		return url
	}
	return fmt.Sprintf("%s...(%d bytes)", url[:maxErrorURL], len(url))
}

// Unwrap returns the underlying error.
func (e *URLError) Unwrap() error {
	return e.Err
}
