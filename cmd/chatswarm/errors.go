package main

import (
	"fmt"
	"strings"

	"github.com/torosent/chatswarm/internal/threshold"
)

// ThresholdError reports a completed run whose verdict failed. It is not a
// runtime failure and maps to its own exit code.
type ThresholdError struct {
	Failed []threshold.Result
}

func (e *ThresholdError) Error() string {
	raws := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		raws[i] = r.Threshold.Raw
	}
	return fmt.Sprintf("%d threshold(s) failed: %s", len(e.Failed), strings.Join(raws, ", "))
}
