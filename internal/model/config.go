package model

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int                `json:"version" yaml:"version"` // fixed 0 for now
	BasePath string             `json:"base_path" yaml:"base_path"`
	Worker   Worker             `json:"worker" yaml:"worker"`
	Network  Network            `json:"network" yaml:"network"`
	Service  Service            `json:"service" yaml:"service"`
	Log      Log                `json:"log" yaml:"log"`
	Profiles map[string]Profile `json:"profiles" yaml:"profiles"`
}

// Worker describes how a scraper process is spawned. The manager appends
// -c <config_file> -i <unique_id> -p <telemetry address> to Args.
type Worker struct {
	Path        string            `json:"path" yaml:"path"`
	Args        []string          `json:"args" yaml:"args"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	StopTimeout string            `json:"stop_timeout" yaml:"stop_timeout"`
}

type Network struct {
	Host          string `json:"host" yaml:"host"`
	PublishPort   int    `json:"publish_port" yaml:"publish_port"`
	ResponsePort  int    `json:"response_port" yaml:"response_port"`
	TelemetryHost string `json:"telemetry_host" yaml:"telemetry_host"`
}

type Service struct {
	BroadcastInterval string   `json:"broadcast_interval" yaml:"broadcast_interval"`
	PollTimeout       string   `json:"poll_timeout" yaml:"poll_timeout"`
	TelemetryTimeout  string   `json:"telemetry_timeout" yaml:"telemetry_timeout"`
	CrashBackoff      *Backoff `json:"crash_backoff,omitempty" yaml:"crash_backoff,omitempty"`
}

// Backoff delays the relaunch of a profile whose runs keep failing.
type Backoff struct {
	Initial string `json:"initial" yaml:"initial"`
	Max     string `json:"max" yaml:"max"`
}

type Log struct {
	Level   string `json:"level" yaml:"level"`
	Format  string `json:"format" yaml:"format"`
	Console bool   `json:"console" yaml:"console"`
	File    bool   `json:"file" yaml:"file"`
	Path    string `json:"path" yaml:"path"`
}

// Profile is a schedule entry as written in the config file. Exactly one of
// Interval (minutes), Every or Cron must be set.
type Profile struct {
	ConfigFile string  `json:"config_file" yaml:"config_file"`
	Interval   *int    `json:"interval,omitempty" yaml:"interval,omitempty"`
	Every      *string `json:"every,omitempty" yaml:"every,omitempty"`
	Cron       *string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// Timings are the parsed durations of the service section.
type Timings struct {
	BroadcastInterval time.Duration
	PollTimeout       time.Duration
	TelemetryTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if out.Profiles == nil {
		out.Profiles = map[string]Profile{}
	}
	return &out, nil
}

// DefaultConfig is stored on the first run, when no config file exists.
func DefaultConfig() Config {
	return Config{
		Version:  0,
		BasePath: ".",
		Worker: Worker{
			Path:        "python3",
			Args:        []string{"main.py"},
			StopTimeout: "PT10S",
		},
		Network: Network{
			Host:          "127.0.0.1",
			PublishPort:   5556,
			ResponsePort:  5557,
			TelemetryHost: "127.0.0.1",
		},
		Service: Service{
			BroadcastInterval: "PT1S",
			PollTimeout:       "PT0.5S",
			TelemetryTimeout:  "PT0.01S",
		},
		Log: Log{
			Level:   LogLevelInfo,
			Format:  LogFormatJSON,
			Console: true,
			Path:    "scrapper.log",
		},
		Profiles: map[string]Profile{},
	}
}

// ProfileSpecs resolves the schedule of every profile, sorted by name.
func (c Config) ProfileSpecs() ([]ProfileSpec, error) {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	specs := make([]ProfileSpec, 0, len(names))
	for _, name := range names {
		p := c.Profiles[name]
		interval, err := p.Schedule()
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
			continue
		}
		specs = append(specs, ProfileSpec{
			Name:       name,
			ConfigFile: p.ConfigFile,
			Interval:   interval,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return specs, nil
}

// Schedule returns the interval between two runs of the profile. Intervals
// have a minute granularity.
func (p Profile) Schedule() (time.Duration, error) {
	var set int
	for _, ok := range []bool{p.Interval != nil, p.Every != nil, p.Cron != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return 0, errors.New("exactly one of interval, every or cron must be set")
	}

	var d time.Duration
	var err error
	switch {
	case p.Interval != nil:
		d = time.Duration(*p.Interval) * time.Minute
	case p.Every != nil:
		d, err = ParseDuration(*p.Every)
	case p.Cron != nil:
		d, err = ParseCron(*p.Cron)
	}
	if err != nil {
		return 0, err
	}
	if d < time.Minute || d%time.Minute != 0 {
		return 0, fmt.Errorf("interval %s is not a whole number of minutes", d)
	}
	return d, nil
}

func (w Worker) StopTimeoutDuration() (time.Duration, error) {
	if w.StopTimeout == "" {
		return 10 * time.Second, nil
	}
	return ParseDuration(w.StopTimeout)
}

func (s Service) Timings() (Timings, error) {
	var t Timings
	var err error
	parse := func(name, value string, fallback time.Duration) time.Duration {
		if value == "" || err != nil {
			return fallback
		}
		d, perr := ParseDuration(value)
		if perr != nil {
			err = fmt.Errorf("service.%s: %w", name, perr)
		}
		return d
	}
	t.BroadcastInterval = parse("broadcast_interval", s.BroadcastInterval, time.Second)
	t.PollTimeout = parse("poll_timeout", s.PollTimeout, 500*time.Millisecond)
	t.TelemetryTimeout = parse("telemetry_timeout", s.TelemetryTimeout, 10*time.Millisecond)
	if s.CrashBackoff != nil {
		t.BackoffInitial = parse("crash_backoff.initial", s.CrashBackoff.Initial, 0)
		t.BackoffMax = parse("crash_backoff.max", s.CrashBackoff.Max, 0)
	}
	if err != nil {
		return Timings{}, err
	}
	if t.BroadcastInterval <= 0 || t.PollTimeout <= 0 || t.TelemetryTimeout <= 0 {
		return Timings{}, errors.New("service timings must be positive")
	}
	return t, nil
}
