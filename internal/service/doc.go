// Package service is the orchestration facade of the checker.
//
// Overview
// A Service owns one worker.Pool and one store.Store. Submitting a check
// persists a pending record first, so a client can fetch the run right
// after getting its ID, then hands the job to the pool. The pool executes
// the probe in the background and calls back Finish once the job reached a
// terminal state, Finish persists the final record.
//
// Data flow:
//
//	API              Service                 Pool                  Executor
//	 |                  |                      |                       |
//	 | Submit --------->| Save(pending) -> store                       |
//	 |                  | Submit ------------->| acquire slot          |
//	 |<---- run_id -----|                      | Run() --------------->|
//	 |                  |                      |<------- Result -------|
//	 |                  |<------ Finish -------|                       |
//	 |                  | Save(final) -> store                         |
//
// Status reads the live job from the pool while it is in flight and the
// store afterwards.
//
// Invariants:
//   - Every submitted run has a persisted record before Submit returns.
//   - A cancelled run never persists a Result.
//   - Finish persists with a context that is not cancelled, even when the
//     job was.
package service
