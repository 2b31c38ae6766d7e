// Package orchestrator runs one conversational turn.
//
// # Turn
//
// Engine.Turn sequences a turn under the conversation lock:
//
//	load session → evaluate → update tasks → select task → choose module → reply
//
// The completion check and the user state detection run concurrently on the
// shared evaluation pool. When the current task is done the selector picks the
// next one; an exhausted phase advances through the phase machine and the
// selection is repeated in the new phase. The reply is the only oracle call
// whose failure aborts the turn.
//
// # Follow-up jobs
//
// After the reply the engine commits the message count and submits follow-up
// jobs to the scheduler:
//   - quality review every engine.supervision_interval messages
//   - phase recheck on every turn
//   - plan maintenance in phase 2 when the user state calls for it
//   - session review every engine.session_review_interval messages from phase 2 on
//
// Jobs take the same conversation lock as turns, so a job and a turn of one
// conversation never interleave. Job results only affect later turns.
//
// # Errors
//
// Turn returns a *TurnError whose Kind tells the caller whether the oracle or
// the store failed. No partial reply is ever returned.
package orchestrator
