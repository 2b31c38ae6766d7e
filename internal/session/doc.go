// Package session holds the per-conversation domain model of turnd.
//
// A Session tracks which phase a conversation is in, the append-only list
// of tasks for every phase, the currently pursued task and technique, and
// the logs written by background reviews. The task registry functions in
// this package are pure: they return new slices and leave persistence to
// the caller.
//
// Status transitions form a DAG:
//
//	pending -> in_progress -> sufficient -> completed
//	              ^               |
//	              +---------------+   (re-selection)
//
// completed is terminal and no task ever returns to pending.
package session
