package detector

import "context"

// Detector is a readiness probe polled while a watch is pending.
// It must be safe for concurrent use.
type Detector interface {
	// Check returns true once the probed condition holds.
	Check(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
