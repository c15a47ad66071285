// Package crash captures fatal signals and panics once, writes a crash
// report directory and hands it to an external reporter process.
//
// Asynchronous signals (kill -SEGV, SIGABRT from a child library, SIGQUIT)
// arrive through os/signal. Synchronous faults in Go code surface as
// runtime panics and are routed into the same path by Guard, which every
// thread defers, and by the thread manager's panic handler.
//
// The first capture wins: it enters crash mode, stops the hang watchdog,
// fills the fixed-size State and writes the report. Later captures wait
// for that report and then terminate the same way. Non-fatal reports
// (Ensure, hangs) use the same writer but let the process continue.
package crash
