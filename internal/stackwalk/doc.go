// Package stackwalk captures backtraces and turns program counters into
// readable frames.
//
// Two symbolication paths exist. The normal path may allocate and uses
// runtime.CallersFrames, which expands inlined calls. The safe path only
// touches the runtime's read-only function tables and writes into
// caller-provided fixed buffers, so it can run while the process is
// reporting its own crash. Formatting functions pick the safe path on
// their own whenever the crash handler has been entered (see
// EnterCrashHandler).
package stackwalk
