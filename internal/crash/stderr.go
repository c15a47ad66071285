package crash

import (
	"os"
	"unsafe"
)

// WriteStderr writes msgs straight to the standard error descriptor. It
// neither formats nor allocates, so it is safe before the logger exists
// and while a crash is being handled.
func WriteStderr(msgs ...string) {
	for _, m := range msgs {
		if m == "" {
			continue
		}
		_, _ = os.Stderr.Write(unsafe.Slice(unsafe.StringData(m), len(m)))
	}
}
