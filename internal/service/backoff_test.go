package service_test

import (
	"testing"
	"time"

	"github.com/mdakk072/scrapperManager/internal/service"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()
	backoff := service.ExponentialBackoff(time.Minute, 10*time.Minute)

	var testCases = []struct {
		failures int
		then     time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{100, 10 * time.Minute},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.then, backoff(tc.failures), "failures=%d", tc.failures)
	}

	require.Zero(t, service.NoBackoff(7))
}
