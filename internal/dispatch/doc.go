// Package dispatch spawns worker processes and collects what they print.
//
// The Supervisor runs exactly one child process per call and never reuses
// one. Each call owns its own timer and output buffers, so a stuck worker
// cannot delay an unrelated call.
//
// Key features:
//   - Spawn-per-call subprocess execution, stdin wired to /dev/null
//   - stdout and stderr captured separately (stdout keeps its tail, since the
//     result is the final line; stderr keeps its head, capped at 64KB)
//   - Timeout enforcement with SIGTERM → grace → SIGKILL sent to the worker's
//     whole process group
//   - Start failures (missing executable, permissions) reported in RawOutput,
//     never as a panic
//
// Timeout handling:
//   - The timer starts when the process has been started
//   - When it fires, SIGTERM is sent to the process group
//   - After the grace period, SIGKILL is sent if anything is still running
//   - The process is always reaped before Run returns
//
// Run does not interpret stdout. Decoding and classification live in the
// protocol and outcome packages.
package dispatch
