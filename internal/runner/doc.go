// Package runner connects queued runs to the benchmark catalog and the step
// orchestrator. It evaluates final-state assertions against the snapshot taken
// before the first step and the one left after the last, and turns the
// execution into the result persisted by the task store.
package runner
