package pgserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUninitialized: "uninitialized",
		StateInitialized:   "initialized",
		StateRunning:       "running",
		StateCleanedUp:     "cleaned-up",
		StateFailed:        "failed",
		State(-1):          "unknown",
		State(99):          "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String(), "State(%d)", int(s))
	}
}
