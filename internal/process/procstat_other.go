//go:build !linux && !windows

package process

// ownedChild cannot check the parent without /proc.
func ownedChild(int) bool { return true }
