//go:build linux

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Stat is the part of /proc/<pid>/stat the launcher cares about.
type Stat struct {
	PID   int
	State byte
	PPID  int
}

// Zombie reports whether the process has exited but not been reaped.
func (s Stat) Zombie() bool { return s.State == 'Z' }

// ReadStat parses /proc/<pid>/stat.
func ReadStat(pid int) (Stat, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return Stat{}, err
	}
	return parseStat(string(data))
}

// ownedChild reports whether pid still names a child of this process. A
// pid that was reaped elsewhere and reused by an unrelated process has a
// different parent. Unreadable stats other than a missing entry count as
// owned so a transient /proc failure never drops a live child.
func ownedChild(pid int) bool {
	st, err := ReadStat(pid)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}
	return st.PPID == os.Getpid()
}

// parseStat handles "pid (comm) state ppid ...". The command may itself
// contain spaces and parentheses, so split after the last ')'.
func parseStat(s string) (Stat, error) {
	open := strings.IndexByte(s, '(')
	idx := strings.LastIndex(s, ")")
	if open < 0 || idx < 0 || idx+2 >= len(s) {
		return Stat{}, fmt.Errorf("malformed stat %q", s)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(s[:open]))
	if err != nil {
		return Stat{}, fmt.Errorf("malformed stat pid: %w", err)
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 2 || len(fields[0]) != 1 {
		return Stat{}, fmt.Errorf("malformed stat %q", s)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Stat{}, fmt.Errorf("malformed stat ppid: %w", err)
	}
	return Stat{PID: pid, State: fields[0][0], PPID: ppid}, nil
}
