package orchestrator

import "errors"

var (
	// ErrNodeTimeout is returned when a node does not report back within
	// the configured node timeout
	ErrNodeTimeout = errors.New("node timed out")

	// ErrNoResult is returned when a runner completes without a result
	ErrNoResult = errors.New("node produced no result")

	// ErrUpstreamFailed marks a node skipped because a dependency failed
	ErrUpstreamFailed = errors.New("upstream node failed")
)
