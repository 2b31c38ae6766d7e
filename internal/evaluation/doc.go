// Package evaluation runs the per-turn judgment calls that precede task
// selection: the completion check of the current task and the user state
// detection.
//
// Both calls share one bounded Pool across every in-flight turn. Oracle
// failures, deadlines and unusable output never leave this package; they
// become a "not completed" result and a neutral UserState.
package evaluation
