// Package heartbeat detects threads that stop making progress.
//
// Monitored threads call HeartBeat periodically. A Watchdog thread polls
// the recorded timestamps and reports a thread whose last beat is older
// than the configured hang duration, once per distinct callstack.
package heartbeat
