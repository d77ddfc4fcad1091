package crawler

import (
	"errors"
	"strconv"
	"strings"
)

// Error taxonomy. Per-URL failures wrap one of these and never end a session;
// only ErrSetup is session-fatal.
var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrFilterRejected   = errors.New("rejected by content filter")
	ErrSizeOutOfBounds  = errors.New("size out of bounds")
	ErrAlreadyExists    = errors.New("destination already exists")
	ErrNetwork          = errors.New("network error")
	ErrDownload         = errors.New("download failed")
	ErrEstimation       = errors.New("estimation failed")
	ErrSetup            = errors.New("session setup failed")
	ErrSessionNotFound  = errors.New("session not found")
)

// SkipReason explains why a dequeued URL was not fetched.
type SkipReason string

// Skip reasons. None of them count as errors.
const (
	SkipVisited    SkipReason = "visited"
	SkipDepth      SkipReason = "depth"
	SkipFiltered   SkipReason = "filtered"
	SkipRobots     SkipReason = "robots"
	SkipBudget     SkipReason = "budget"
	SkipInvalidURL SkipReason = "invalid_url"
)

// SizeUnknown marks a size that was not reported.
const SizeUnknown int64 = -1

func parseContentLength(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SizeUnknown
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return SizeUnknown
	}
	return n
}
