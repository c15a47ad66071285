package crash

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func callstackCRC(backtrace string) uint32 {
	return crc32.ChecksumIEEE([]byte(strings.TrimRight(backtrace, "\n")))
}

// ReadReport rebuilds a Report from a report directory written by this
// package. The signal and reporter pid are not recorded on disk and stay
// zero.
func ReadReport(dir string) (Report, error) {
	r := Report{Dir: dir}
	base := filepath.Base(dir)
	prefix := "crashinfo-"
	if !strings.HasPrefix(base, prefix) {
		prefix = "ensureinfo-"
		if !strings.HasPrefix(base, prefix) {
			return r, fmt.Errorf("%s is not a report directory", base)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, WERMetaFile))
	if err != nil {
		return r, fmt.Errorf("read %s: %w", WERMetaFile, err)
	}
	var meta werReport
	if err := xml.Unmarshal(raw, &meta); err != nil {
		return r, fmt.Errorf("decode %s: %w", WERMetaFile, err)
	}
	// The app name and the GUID may both contain dashes.
	named := prefix + meta.ProblemSignatures.Parameter0 + "-"
	if !strings.HasPrefix(base, named) || len(base) == len(named) {
		return r, fmt.Errorf("%s does not match app %q", base, meta.ProblemSignatures.Parameter0)
	}
	r.GUID = base[len(named):]
	if r.Kind, err = ParseKind(meta.DynamicSignatures.CrashType); err != nil {
		return r, err
	}
	if secs, err := strconv.ParseInt(meta.ProblemSignatures.Parameter5, 16, 64); err == nil {
		r.Time = time.Unix(secs, 0).UTC()
	}

	diag, err := os.ReadFile(filepath.Join(dir, DiagnosticsFile))
	if err != nil {
		return r, fmt.Errorf("read %s: %w", DiagnosticsFile, err)
	}
	parseDiagnostics(diag, &r)
	return r, nil
}

func parseDiagnostics(data []byte, r *Report) {
	var stack []string
	inStack := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), BacktraceSize*2)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == callstackStart:
			inStack = true
		case line == callstackEnd:
			inStack = false
		case inStack:
			stack = append(stack, line)
		case strings.HasPrefix(line, `Exception was "`):
			r.Description = strings.TrimSuffix(strings.TrimPrefix(line, `Exception was "`), `"`)
		case strings.HasPrefix(line, "Thread "):
			var id uint64
			var name string
			if n, _ := fmt.Sscanf(line, "Thread %d (%s", &id, &name); n >= 1 {
				r.ThreadID = id
				if i := strings.IndexByte(line, '('); i >= 0 {
					r.ThreadName = strings.TrimSuffix(line[i+1:], ")")
				}
			}
		}
	}
	r.CallstackCRC = callstackCRC(strings.Join(stack, "\n"))
}
