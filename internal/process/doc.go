// Package process spawns, monitors and reaps child processes.
//
// A Handle owns one child. Closing it always resolves the child's zombie:
// either by waiting for it (ReapBlocking) or by handing it to a background
// waiter thread (ReapBackgroundWaiter, used for fire-and-forget children).
package process
