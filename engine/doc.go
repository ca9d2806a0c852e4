// Package engine executes the staged meal-planning pipeline for a session.
//
// The pipeline shape is derived from the registry's dependency declarations
// and resolved into layers at construction: a single gate stage whose
// success is mandatory, one or more middle layers whose stages run
// concurrently and settle independently, and a single synthesis stage that
// assembles the final aggregate from whatever the middle layers produced.
//
// Every stage settles as exactly one StageResult, and every settlement maps
// to exactly one ProgressEvent on the run's outbound channel. The terminal
// event — "output" on any non-gate outcome mix, "error" only when the gate
// fails — always carries the session's highest sequence number.
package engine
