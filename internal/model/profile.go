package model

import "time"

// ProfileSpec is a named, interval-scheduled worker type. It is loaded once
// and never changes.
type ProfileSpec struct {
	Name       string
	ConfigFile string
	Interval   time.Duration
}

// ProfileState is the live state of a profile.
// Running is true iff WorkerID references a live worker.
type ProfileState struct {
	LastExec     *time.Time
	WorkerID     string
	Running      bool
	Address      string
	Failures     int
	LastExitCode *int
}

// ProfileStatus is the broadcast form of a profile, keyed by its name.
type ProfileStatus struct {
	ConfigFile     string     `json:"config_file"`
	Interval       int        `json:"interval"` // minutes
	LastExec       *time.Time `json:"last_exec"`
	UniqueID       *string    `json:"unique_id"`
	PublishAddress *string    `json:"publish_address"`
	Running        bool       `json:"running"`
	Failures       int        `json:"failures"`
	LastExitCode   *int       `json:"last_exit_code"`
}

func NewProfileStatus(spec ProfileSpec, state ProfileState) ProfileStatus {
	return ProfileStatus{
		ConfigFile:     spec.ConfigFile,
		Interval:       int(spec.Interval / time.Minute),
		LastExec:       state.LastExec,
		UniqueID:       nonEmpty(state.WorkerID),
		PublishAddress: nonEmpty(state.Address),
		Running:        state.Running,
		Failures:       state.Failures,
		LastExitCode:   state.LastExitCode,
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
