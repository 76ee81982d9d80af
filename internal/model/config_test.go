package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/mdakk072/scrapperManager/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const fullConfig = `
version: 0
base_path: /opt/kijijiCarScraper
worker:
  path: venv/bin/python
  args:
    - main.py
  env:
    home: $HOME
  stop_timeout: 5s
network:
  host: 0.0.0.0
  publish_port: 7500
  response_port: 7501
service:
  broadcast_interval: PT2S
  crash_backoff:
    initial: PT30S
    max: PT10M
log:
  level: debug
  file: true
  path: data/logs/app.log
profiles:
  cars:
    config_file: configs/cars.yaml
    interval: 1
  trucks:
    config_file: configs/trucks.yaml
    every: PT1H
  bikes:
    config_file: configs/bikes.yaml
    cron: "*/15 * * * *"
`

func TestLoadConfig(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader(fullConfig))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Equal(t, "/opt/kijijiCarScraper", cfg.BasePath)
	require.Equal(t, "venv/bin/python", cfg.Worker.Path)
	require.Equal(t, []string{"main.py"}, cfg.Worker.Args)
	require.Equal(t, "$HOME", cfg.Worker.Env["home"])
	require.Equal(t, "0.0.0.0", cfg.Network.Host)
	require.Equal(t, 7500, cfg.Network.PublishPort)
	require.Equal(t, 7501, cfg.Network.ResponsePort)
	require.Equal(t, "127.0.0.1", cfg.Network.TelemetryHost)
	require.Equal(t, model.LogLevelDebug, cfg.Log.Level)
	require.Equal(t, model.LogFormatJSON, cfg.Log.Format)
	require.True(t, cfg.Log.Console)
	require.True(t, cfg.Log.File)

	stop, err := cfg.Worker.StopTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, stop)

	timings, err := cfg.Service.Timings()
	require.NoError(t, err)
	require.Equal(t, model.Timings{
		BroadcastInterval: 2 * time.Second,
		PollTimeout:       500 * time.Millisecond,
		TelemetryTimeout:  10 * time.Millisecond,
		BackoffInitial:    30 * time.Second,
		BackoffMax:        10 * time.Minute,
	}, timings)

	specs, err := cfg.ProfileSpecs()
	require.NoError(t, err)
	require.Equal(t, []model.ProfileSpec{
		{Name: "bikes", ConfigFile: "configs/bikes.yaml", Interval: 15 * time.Minute},
		{Name: "cars", ConfigFile: "configs/cars.yaml", Interval: time.Minute},
		{Name: "trucks", ConfigFile: "configs/trucks.yaml", Interval: time.Hour},
	}, specs)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
version: 0
worker:
  path: python3
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, ".", cfg.BasePath)
	require.Equal(t, 5556, cfg.Network.PublishPort)
	require.Equal(t, 5557, cfg.Network.ResponsePort)
	require.Equal(t, "PT10S", cfg.Worker.StopTimeout)
	require.Equal(t, model.LogLevelInfo, cfg.Log.Level)
	require.Empty(t, cfg.Profiles)
}

func TestLoadConfig_Fail(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
	}{
		{"missing worker path", "version: 0\nworker: {}\n"},
		{"unknown field", "version: 0\nworker:\n  path: python3\nunknown: 1\n"},
		{"bad port", "version: 0\nworker:\n  path: python3\nnetwork:\n  publish_port: 70000\n"},
		{"bad level", "version: 0\nworker:\n  path: python3\nlog:\n  level: loud\n"},
		{"empty config_file", "version: 0\nworker:\n  path: python3\nprofiles:\n  cars:\n    config_file: \"\"\n    interval: 1\n"},
		{"zero interval", "version: 0\nworker:\n  path: python3\nprofiles:\n  cars:\n    config_file: cars.yaml\n    interval: 0\n"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.ConfigErrDetails(err)
			require.NotEmpty(t, details)
		})
	}
}

func TestProfileSchedule(t *testing.T) {
	t.Parallel()
	ptr := func(s string) *string { return &s }
	two := 2
	cases := []struct {
		scenario string
		given    model.Profile
		then     time.Duration
		fails    bool
	}{
		{"interval", model.Profile{Interval: &two}, 2 * time.Minute, false},
		{"every iso", model.Profile{Every: ptr("PT90M")}, 90 * time.Minute, false},
		{"every go", model.Profile{Every: ptr("2h")}, 2 * time.Hour, false},
		{"cron", model.Profile{Cron: ptr("0 * * * *")}, time.Hour, false},
		{"cron macro", model.Profile{Cron: ptr("@every 5m")}, 5 * time.Minute, false},
		{"none", model.Profile{}, 0, true},
		{"two", model.Profile{Interval: &two, Every: ptr("PT1H")}, 0, true},
		{"seconds", model.Profile{Every: ptr("PT30S")}, 0, true},
		{"not whole minutes", model.Profile{Every: ptr("PT1M30S")}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := tc.given.Schedule()
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	// the stored default must load back
	b, err := yaml.Marshal(model.DefaultConfig())
	require.NoError(t, err)
	cfg, err := model.LoadConfig(strings.NewReader(string(b)))
	require.NoError(t, err)
	dflt := model.DefaultConfig()
	require.Equal(t, dflt.Worker.Path, cfg.Worker.Path)
	require.Equal(t, dflt.Worker.Args, cfg.Worker.Args)
	require.Equal(t, dflt.Network, cfg.Network)
	require.Equal(t, dflt.Service, cfg.Service)
	require.Equal(t, dflt.Log, cfg.Log)
}
