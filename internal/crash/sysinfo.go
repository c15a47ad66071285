package crash

import (
	"bufio"
	"io"
	"strings"
)

// parseMaps returns the executable file mappings of a /proc/<pid>/maps
// listing, in load order and without duplicates.
func parseMaps(r io.Reader) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || !strings.Contains(fields[1], "x") {
			continue
		}
		path := strings.Join(fields[5:], " ")
		if !strings.HasPrefix(path, "/") || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}
