package service_test

import (
	"testing"
	"time"

	"github.com/mdakk072/scrapperManager/internal/model"
	"github.com/mdakk072/scrapperManager/internal/service"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	reg := service.NewRegistry()
	require.NoError(t, reg.Register(model.ProfileSpec{Name: "cars", ConfigFile: "cars.yaml", Interval: time.Minute}))
	require.NoError(t, reg.Register(model.ProfileSpec{Name: "bikes", ConfigFile: "bikes.yaml", Interval: 5 * time.Minute}))
	require.ErrorIs(t, reg.Register(model.ProfileSpec{Name: "cars", Interval: time.Minute}), service.ErrProfileExists)
	require.Error(t, reg.Register(model.ProfileSpec{Name: "boats"}))

	t.Run("never executed is due", func(t *testing.T) {
		due := reg.Due(t0, nil)
		require.Len(t, due, 2)
		require.Equal(t, "bikes", due[0].Name)
		require.Equal(t, "cars", due[1].Name)
	})

	t.Run("dispatched", func(t *testing.T) {
		require.True(t, reg.MarkDispatched(ctx, "cars", "1234", t0, "tcp://127.0.0.1:40000"))
		st, ok := reg.State("cars")
		require.True(t, ok)
		require.True(t, st.Running)
		require.Equal(t, "1234", st.WorkerID)
		require.Equal(t, "tcp://127.0.0.1:40000", st.Address)
		require.Equal(t, t0, *st.LastExec)

		// running profiles are never due
		due := reg.Due(t0.Add(time.Hour), nil)
		require.Len(t, due, 1)
		require.Equal(t, "bikes", due[0].Name)
	})

	t.Run("finished", func(t *testing.T) {
		code := 0
		finished := t0.Add(10 * time.Second)
		require.True(t, reg.MarkFinished(ctx, "cars", finished, false, &code))
		st, _ := reg.State("cars")
		require.False(t, st.Running)
		require.Empty(t, st.WorkerID)
		require.Equal(t, finished, *st.LastExec)
		require.Equal(t, 0, *st.LastExitCode)
		require.Zero(t, st.Failures)

		require.NotContains(t, names(reg.Due(finished.Add(59*time.Second), nil)), "cars")
		require.Contains(t, names(reg.Due(finished.Add(60*time.Second), nil)), "cars")
	})

	t.Run("unknown profile", func(t *testing.T) {
		require.False(t, reg.MarkDispatched(ctx, "planes", "1", t0, ""))
		require.False(t, reg.MarkFinished(ctx, "planes", t0, false, nil))
		_, ok := reg.State("planes")
		require.False(t, ok)
		_, ok = reg.Spec("planes")
		require.False(t, ok)
	})

	t.Run("statuses", func(t *testing.T) {
		st := reg.Statuses()
		require.Len(t, st, 2)
		cars := st["cars"]
		require.Equal(t, "cars.yaml", cars.ConfigFile)
		require.Equal(t, 1, cars.Interval)
		require.False(t, cars.Running)
		require.Nil(t, cars.UniqueID)
		require.NotNil(t, cars.PublishAddress)
		require.Nil(t, st["bikes"].LastExec)
	})
}

func TestRegistryBackoff(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	backoff := service.ExponentialBackoff(time.Minute, 10*time.Minute)

	reg := service.NewRegistry()
	require.NoError(t, reg.Register(model.ProfileSpec{Name: "cars", Interval: time.Minute}))

	code := 1
	for i := range 3 {
		require.True(t, reg.MarkDispatched(ctx, "cars", "id", t0, ""))
		require.True(t, reg.MarkFinished(ctx, "cars", t0, true, &code))
		st, _ := reg.State("cars")
		require.Equal(t, i+1, st.Failures)
	}

	// 3 failures: interval 1m + backoff 4m
	require.Empty(t, reg.Due(t0.Add(4*time.Minute), backoff))
	require.Len(t, reg.Due(t0.Add(5*time.Minute), backoff), 1)
	// without a policy the crashed profile is due after one interval
	require.Len(t, reg.Due(t0.Add(time.Minute), nil), 1)

	code = 0
	require.True(t, reg.MarkFinished(ctx, "cars", t0, false, &code))
	st, _ := reg.State("cars")
	require.Zero(t, st.Failures)
}

func names(specs []model.ProfileSpec) []string {
	ret := make([]string, len(specs))
	for i, s := range specs {
		ret[i] = s.Name
	}
	return ret
}
