package model_test

import (
	"testing"
	"time"

	"github.com/mdakk072/scrapperManager/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		fails    bool
	}{
		{"every_15_minutes", "*/15 * * * *", 15 * time.Minute, false},
		{"hourly_macro", "@hourly", time.Hour, false},
		{"daily_macro", "@daily", 24 * time.Hour, false},
		{"every", "@every 2h", 2 * time.Hour, false},
		{"irregular_takes_shortest", "0 9,17 * * *", 8 * time.Hour, false},
		{"six_fields", "0 */2 * * * *", 0, true},
		{"out_of_range", "* * 32 * *", 0, true},
		{"empty", "  ", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseCron(tc.given)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"PT1S", time.Second, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"PT0,25S", 250 * time.Millisecond, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P2D", 48 * time.Hour, false},
		{"500ms", 500 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{"P", 0, true},
		{"PT", 0, true},
		{"P1DT", 0, true},
		{"P1M", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
