// Package engine drives managed tasks through their lifecycle in bounded
// rounds. Each Progress call polls the in-flight tasks, executes pending
// kills, re-polls stopped ones, submits NEW tasks while the submission
// switch is on and the configured limits allow, and retrieves the output of
// terminated tasks while the retrieval switch is on, saving every bucket
// move through the attached session. The engine owns no timing: the caller
// decides when a round runs.
package engine
