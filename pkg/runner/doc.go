// Package runner invokes the automation engine for one run phase inside an
// isolated runtime and streams its output as execution events.
//
// Adapter prepares a per-phase workspace holding the intent snapshot and the
// resolved inventory, starts the engine through a Runtime, numbers every
// output line, enforces the wall-clock timeout and honours cancellation by
// killing the process group or container. When the engine exits, the files
// it rendered are packed into a deterministic tar and its summary.json is
// parsed into a change summary.
//
// Check-mode requests always carry --check --diff and NETINTENT_RUN_MODE=check,
// and their inputs are mounted read-only.
package runner
