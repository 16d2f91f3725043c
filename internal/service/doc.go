// Package service supervises the long-running worker processes.
//
// Overview
// The Supervisor owns one slot per task kind (indexing, sync). Start claims
// the slot, spawns the worker through a Spawner and returns right away; a
// goroutine then consumes the worker output and publishes every progress
// event to a Sink. Only one run per kind may be active, kinds are
// independent of each other.
//
// Data flow:
//
//	caller          Supervisor{slot}            Process              Sink
//	  |                  |                         |                   |
//	  | Start() -------->| acquire, Spawn() ------>|                   |
//	  |<-- ack ----------| stdout lines <----------| progress.Parse -->| Publish
//	  |                  | stderr lines <----------| (buffered)        |
//	  |                  | stdout EOF: take, Wait->|                   |
//	  |                  | Terminal(exit code) ------------------------>| Publish
//	  |                  | release                 |                   |
//	  | Cancel() ------->| Terminate() ----------->|                   |
//
// Invariants:
//   - At most one run per kind; a second Start fails with ErrAlreadyRunning
//     and spawns nothing.
//   - stdout events are published in order; stderr is collected per run.
//   - Each run publishes exactly one terminal event (completed, cancelled or
//     error) and it is its last one. Terminal records printed by the worker
//     itself are folded into it.
//   - Cancel only sends a signal. Exit code 130 becomes cancelled, anything
//     else non zero becomes error.
//   - Workers ignoring the signal keep the slot busy, there is no kill
//     escalation.
//
// supervisor_test.go shows how to drive a Supervisor with a fake Spawner.
package service
