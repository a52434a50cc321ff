package store

import (
	"strings"
	"time"

	"MAHA-Orchestrator/internal/workflow"
)

// SortOrder defines how results are ordered when listing.
type SortOrder int

const (
	// SortInsertion keeps the order in which records were first saved.
	SortInsertion SortOrder = iota
	// SortNewestFirst reverses insertion order.
	SortNewestFirst
)

// ParseSortOrder maps "asc"/"desc" style strings to a SortOrder.
func ParseSortOrder(s string) (SortOrder, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", "insertion", "oldest":
		return SortInsertion, true
	case "desc", "newest":
		return SortNewestFirst, true
	}
	return SortInsertion, false
}

// ListOptions controls how records are selected when querying the store.
// A zero Limit returns every match.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []workflow.Status
	WorkflowID string
	StartedGTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortNewestFirst {
		opts.Order = SortInsertion
	}
	opts.WorkflowID = strings.TrimSpace(opts.WorkflowID)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching records.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters executions by status.
func WithStatuses(statuses ...workflow.Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithWorkflow filters executions by workflow id.
func WithWorkflow(id string) ListOption {
	return func(opts *ListOptions) {
		opts.WorkflowID = id
	}
}

// WithStartedSince filters executions started at or after ts.
func WithStartedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.StartedGTE = 0
			return
		}
		opts.StartedGTE = ts.UnixMilli()
	}
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// Matches reports whether exec passes the status, workflow and time filters.
func (opts ListOptions) Matches(exec *workflow.Execution) bool {
	if opts.WorkflowID != "" && exec.WorkflowID != opts.WorkflowID {
		return false
	}
	if opts.StartedGTE > 0 && exec.StartedAt < opts.StartedGTE {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if exec.Status == status {
			return true
		}
	}
	return false
}

// Page applies offset and limit to n ordered items, returning the bounds.
func (opts ListOptions) Page(n int) (start, end int) {
	start = opts.Offset
	if start > n {
		start = n
	}
	end = n
	if opts.Limit > 0 && start+opts.Limit < n {
		end = start + opts.Limit
	}
	return start, end
}

// ValidStatus reports whether s is a known execution status.
func ValidStatus(s workflow.Status) bool {
	switch s {
	case workflow.StatusRunning, workflow.StatusCompleted, workflow.StatusFailed:
		return true
	}
	return false
}

func normalizeStatuses(input []workflow.Status) []workflow.Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[workflow.Status]struct{}, len(input))
	result := make([]workflow.Status, 0, len(input))
	for _, status := range input {
		if !ValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
