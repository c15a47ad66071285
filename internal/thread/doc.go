// Package thread runs Runnables on dedicated OS threads and keeps a
// process-wide registry of them.
//
// A Thread is a goroutine that locks its OS thread for its whole life and
// returns without unlocking, so the runtime tears the OS thread down with
// it. Everything that is specific to an operating system (thread ids,
// priority translation, naming, affinity) lives behind the Platform
// interface, selected at build time.
package thread
