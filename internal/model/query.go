package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SearchQuery is the normalized identity of a logical search. Two requests
// from different users with equivalent city/keyword text produce the same
// SearchQuery and therefore converge on the same cache entry and crawl.
type SearchQuery struct {
	City       string `json:"city"`
	Keyword    string `json:"keyword"`
	Deep       bool   `json:"deep"`
	PageCursor string `json:"page_cursor,omitempty"`
}

// deepCursorPrefix marks a cursor that slices the shared deep-result list.
// A deep cursor never triggers a new upstream scan.
const deepCursorPrefix = "deep:"

// Terminal cursors signal that no further pagination is possible. They are
// returned to clients and never accepted as a resume point.
const (
	// CursorProviderLimit means the upstream provider's own result ceiling
	// was reached for a shallow (single-query) search.
	CursorProviderLimit = "end:provider_limit"
	// CursorPlanLimit means the requesting plan's result ceiling truncated
	// the deep-result list.
	CursorPlanLimit = "end:plan_limit"
)

// DeepCursor renders an offset into the shared deep-result list.
func DeepCursor(offset int) string {
	return fmt.Sprintf("%s%d", deepCursorPrefix, offset)
}

// ParseDeepCursor extracts the offset from a deep cursor. Returns false for
// anything that is not a well-formed non-negative deep cursor.
func ParseDeepCursor(cursor string) (int, bool) {
	rest, ok := strings.CutPrefix(cursor, deepCursorPrefix)
	if !ok {
		return 0, false
	}
	offset, err := strconv.Atoi(rest)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}

// IsTerminalCursor reports whether the cursor is one of the sentinels that
// end pagination.
func IsTerminalCursor(cursor string) bool {
	return cursor == CursorProviderLimit || cursor == CursorPlanLimit
}
