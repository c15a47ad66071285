package thread

import "fmt"

// Priority is the portable thread priority. Each Platform translates it
// into its native scale.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityAboveNormal
	PriorityBelowNormal
	PriorityHighest
	PriorityLowest
	PrioritySlightlyBelowNormal
	PriorityTimeCritical
)

var priorityNames = map[Priority]string{
	PriorityNormal:              "normal",
	PriorityAboveNormal:         "above_normal",
	PriorityBelowNormal:         "below_normal",
	PriorityHighest:             "highest",
	PriorityLowest:              "lowest",
	PrioritySlightlyBelowNormal: "slightly_below_normal",
	PriorityTimeCritical:        "time_critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority is the inverse of String.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown thread priority %q", s)
}

// translate looks p up in a platform table. An unknown value is a
// programming error and panics.
func translate(table map[Priority]int, p Priority) int {
	v, ok := table[p]
	if !ok {
		panic(fmt.Sprintf("thread: unknown priority %d", int(p)))
	}
	return v
}
