// Package governor classifies and validates read queries and decides when a
// listing query is too large to run without an explicit user confirmation.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/datastore"
)

// Classification of a read query. Aggregation queries return summarized
// rows and are never capped; listing queries enumerate rows and are subject
// to the cap.
type Classification string

const (
	ClassAggregation Classification = "aggregation"
	ClassListing     Classification = "listing"
)

// ValidationError rejects a query before it reaches the data store.
type ValidationError struct {
	Reason string
	Query  string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ExecutionError wraps a data-store failure on the governed path.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Decision is the governor's verdict on a listing query.
type Decision struct {
	NeedsConfirmation bool
	CandidateRows     int64
	DefaultCap        int
}

var (
	aggregationGroupBy  = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	aggregationFunction = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX|STDDEV|VARIANCE)\s*\(`)
	limitClause         = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\b`)
)

// mutatingKeywords are matched as plain substrings of the uppercased query.
// That is deliberately blunt: a column named "updated_at" trips the UPDATE
// check. Erring toward rejection is the intended trade on this path.
var mutatingKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
}

// Governor makes cap decisions against a read store.
type Governor struct {
	store  datastore.ReadStore
	logger *slog.Logger
}

func New(store datastore.ReadStore, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{store: store, logger: logger}
}

// Classify tags the query as aggregation or listing. GROUP BY or any
// aggregate function call makes it an aggregation.
func Classify(query string) Classification {
	if aggregationGroupBy.MatchString(query) || aggregationFunction.MatchString(query) {
		return ClassAggregation
	}
	return ClassListing
}

// ValidateReadOnly rejects anything that is not a plain SELECT, and any
// query containing a mutating keyword substring. Denials are audited.
func (g *Governor) ValidateReadOnly(ctx context.Context, query string) error {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)

	if !strings.HasPrefix(upper, "SELECT") {
		verr := &ValidationError{Reason: "only SELECT queries are allowed", Query: query}
		audit.Record(ctx, "deny", "sql", verr.Reason, query)
		return verr
	}
	for _, kw := range mutatingKeywords {
		if strings.Contains(upper, kw) {
			verr := &ValidationError{
				Reason: fmt.Sprintf("query contains restricted keyword %s", kw),
				Query:  query,
			}
			audit.Record(ctx, "deny", "sql", verr.Reason, query)
			return verr
		}
	}
	audit.Record(ctx, "allow", "sql", "read_only", query)
	return nil
}

// HasLimitClause reports whether the query already carries an explicit
// LIMIT with a literal row count.
func HasLimitClause(query string) bool {
	return limitClause.MatchString(query)
}

// ApplyCap appends a LIMIT clause. A nil or non-positive cap returns the
// query unchanged; so does a query that already has one.
func ApplyCap(query string, cap *int) string {
	if cap == nil || *cap <= 0 {
		return query
	}
	if HasLimitClause(query) {
		return query
	}
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, *cap)
}

// Decide determines whether the query needs a user confirmation before it
// runs. Aggregations and capped-off governors (defaultCap <= 0) are waved
// through. Every other listing query has its candidate rows counted, an
// explicit LIMIT included: the count wraps the query as written, so a
// LIMIT large enough to clear the cap still suspends. A count failure is
// an ExecutionError, not a silent pass.
func (g *Governor) Decide(ctx context.Context, query string, defaultCap int) (Decision, error) {
	if defaultCap <= 0 {
		return Decision{DefaultCap: defaultCap}, nil
	}
	if Classify(query) == ClassAggregation {
		return Decision{DefaultCap: defaultCap}, nil
	}

	count, err := g.store.CountCandidates(ctx, query)
	if err != nil {
		return Decision{}, &ExecutionError{Op: "count_candidates", Err: err}
	}
	g.logger.Debug("cap decision", "candidate_rows", count, "default_cap", defaultCap)
	if count > int64(defaultCap) {
		return Decision{NeedsConfirmation: true, CandidateRows: count, DefaultCap: defaultCap}, nil
	}
	return Decision{CandidateRows: count, DefaultCap: defaultCap}, nil
}
