//go:build !linux && !darwin && !windows

package thread

import (
	"runtime/debug"

	"github.com/agentsh/oslayer/internal/stackwalk"
)

var genericPriorities = map[Priority]int{
	PriorityTimeCritical:        3,
	PriorityHighest:             2,
	PriorityAboveNormal:         1,
	PriorityNormal:              0,
	PrioritySlightlyBelowNormal: -1,
	PriorityBelowNormal:         -2,
	PriorityLowest:              -3,
}

type genericPlatform struct{}

func newPlatform() Platform { return genericPlatform{} }

func (genericPlatform) Name() string { return "generic" }

// CurrentThreadID falls back to the goroutine id. Threads keep their
// goroutine for life, so the id is stable and never reused.
func (genericPlatform) CurrentThreadID() uint64 { return stackwalk.GoroutineID() }

func (genericPlatform) TranslatePriority(p Priority) int { return translate(genericPriorities, p) }

func (genericPlatform) SetPriority(uint64, int) error { return nil }

func (genericPlatform) SetAffinity(uint64) error { return nil }

func (genericPlatform) SetName(string) error { return nil }

func (genericPlatform) PreRun() { debug.SetPanicOnFault(true) }

func (genericPlatform) PostRun() { debug.SetPanicOnFault(false) }

func (genericPlatform) DefaultStackSize() int { return 1 << 20 }
