//go:build !linux && !windows

package process

import "testing"

// assertNotZombie has no /proc to consult here.
func assertNotZombie(*testing.T, int) {}
