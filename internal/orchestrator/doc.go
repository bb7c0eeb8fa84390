// Package orchestrator runs the agent control loop.
//
// # Overview
//
// One Run drives one session: a directive goes in, a finalized session
// record comes out. Every step is one Iteration, appended to the Memory
// Store before the next step starts.
//
// # Modes
//
// The mode is read once from configuration and fixed for the session.
//
// ## Model-central
//
// Each iteration the primary model sees the directive, a summary of recent
// iterations and the skill catalog, and proposes the next Action. The
// action is handled by a single switch over its kind:
//
//	tool-call      dispatched through the tool table
//	inline-code    vetted by the Safety Gate, then run by the Executor
//	completion     ends the session as done
//	clarification  answered with an instruction to proceed on assumptions
//
// ## Graph
//
// A fixed workflow with one iteration per state:
//
//	PLAN → ACT → OBSERVE → REFLECT → PLAN | DONE
//
// Any state may move to FAILED. Legal moves are listed in a transition
// table; which legal move is taken is decided by a Progression, so the
// policy can be swapped without touching the table.
//
// # Termination
//
//   - done: the model signals completion, or accepted code ran cleanly
//   - exhausted: the iteration cap is reached
//   - failed: the failure budget or malformed-response retries run out, the
//     model is unavailable, the run is cancelled, or persistence fails
//
// Exactly one Finalize call is made per session, whichever way it ends.
// At most one Executor run is in flight per session.
package orchestrator
