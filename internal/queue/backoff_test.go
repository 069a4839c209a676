package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		kind    BackoffKind
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{"fixed stays flat", BackoffFixed, 2 * time.Second, 1, 2 * time.Second},
		{"fixed stays flat on later attempts", BackoffFixed, 2 * time.Second, 5, 2 * time.Second},
		{"exponential first attempt", BackoffExponential, time.Second, 1, time.Second},
		{"exponential doubles", BackoffExponential, time.Second, 2, 2 * time.Second},
		{"exponential keeps doubling", BackoffExponential, time.Second, 4, 8 * time.Second},
		{"exponential caps at an hour", BackoffExponential, time.Minute, 30, time.Hour},
		{"zero base means no wait", BackoffExponential, 0, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryDelay(tt.kind, tt.base, tt.attempt))
		})
	}
}
