// Package locks provides the mutual exclusion primitives used by the rest
// of oslayer: an in-process CriticalSection that can be tried without
// blocking, an advisory FileLock, and a SystemWide critical section that
// serializes independent processes on a named lock file.
package locks
