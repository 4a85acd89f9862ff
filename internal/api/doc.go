// Package api exposes a small REST surface over benchmark runs: submit a run,
// list and filter runs, fetch one run with its scored result, aggregate
// statistics, and the loaded benchmark catalog.
package api
