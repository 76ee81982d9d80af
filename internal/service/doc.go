// Package service implements the orchestration engine of the manager:
// scheduling of profiles, supervision of scraper processes and ingestion of
// their telemetry.
//
// Overview
// A Registry holds the configured profiles. Each profile is a named worker
// type with a config file and an interval. The Supervisor owns the live
// Workers, at most one per profile.
//
// Every TickPeriod the Supervisor
//   - reconciles: workers whose process exited are torn down and their
//     profile is marked finished
//   - schedules: profiles not running whose last execution is at least one
//     interval ago are launched
//   - ingests: pending telemetry records of every live worker are decoded
//     and replace the worker's snapshot
//
// Data flow:
//
//	Supervisor                  Worker{id}                 scraper process
//	    |                          |                             |
//	    | Allocate + Subscribe     |                             |
//	    | Launch ----------------->| Start() ------------------->| -c config -i id -p address
//	    |                          |<------ telemetry (json) ----| publish on address
//	    | Ingest <-----------------| sub.Recv                    |
//	    | Terminate -------------->| Stop(): SIGTERM, kill ----->|
//	    | Reconcile <--------------| Exited()                    | exit
//	    | teardown: release sub, Registry.MarkFinished           |
//
// Invariants:
//   - At most one live Worker per profile.
//   - A Registry profile is running iff its worker is in the live set.
//   - Worker ids are never reused.
//   - A worker's subscription is released exactly once, on every exit path.
//   - Operations on an unknown worker id are no-ops.
//
// internal/service/service_test.go shows how to drive the Supervisor
// deterministically with the in-memory transport and Tick.
package service
