package model

import "time"

// WorkerStatus is the broadcast form of a live worker, keyed by its unique id.
type WorkerStatus struct {
	UniqueID       string     `json:"unique_id"`
	ProfileName    string     `json:"profile_name"`
	ConfigFile     string     `json:"config_file"`
	Address        string     `json:"address"`
	PID            int        `json:"pid"`
	LastStarted    time.Time  `json:"last_started"`
	LastFinished   *time.Time `json:"last_finished"`
	ExitCode       *int       `json:"exit_code"`
	MonitoringData *Telemetry `json:"monitoring_data"`
}
