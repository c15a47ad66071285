package crash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/oslayer/internal/cmdline"
)

func TestContextTruncates(t *testing.T) {
	var c Context
	c.SetDescription(strings.Repeat("x", DescriptionSize*2))
	assert.Len(t, c.Description(), DescriptionSize-1)

	c.SetThreadName(strings.Repeat("n", 100))
	assert.Len(t, c.ThreadName(), ThreadNameSize-1)

	c.SetBacktraceText(strings.Repeat("f\n", BacktraceSize))
	assert.Len(t, c.Backtrace(), BacktraceSize-1)
	assert.Empty(t, c.Frames())
}

func TestContextBacktraceFromPCs(t *testing.T) {
	var c Context
	pcs := herePCs()
	c.SetBacktrace(pcs)
	assert.Equal(t, pcs, c.Frames())
	assert.Equal(t, pcs[0], c.Machine)
	assert.Contains(t, c.Backtrace(), "TestContextBacktraceFromPCs")
}

func TestStatePublish(t *testing.T) {
	var s State
	assert.Nil(t, s.Context())
	assert.True(t, s.tryCapture())
	assert.False(t, s.tryCapture())

	s.ctx.SetDescription("SIGSEGV received")
	s.ctx.SetBacktraceText("frame1\nframe2\n")
	s.publish()

	assert.NotNil(t, s.Context())
	assert.Equal(t, "SIGSEGV received\nframe1\nframe2\n", s.ErrorHist())
}

func TestKind(t *testing.T) {
	assert.Equal(t, "Ensure", KindEnsure.String())
	assert.Equal(t, "Unknown", Kind(99).String())
	assert.True(t, KindAssert.Fatal())
	assert.False(t, KindHang.Fatal())
	b, err := KindHang.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "Hang", string(b))
}

func TestReporterArgs(t *testing.T) {
	args := ReporterArgs([]string{"reporter"}, "/var/log/my app.log", true, "/tmp/crash dir")
	assert.Equal(t, []string{"reporter", "-Abslog=/var/log/my app.log", "-Unattended", "/tmp/crash dir"}, cmdline.Tokenize(args))

	args = ReporterArgs(nil, "", false, "/tmp/c")
	assert.Equal(t, "/tmp/c", args)
}

func TestReportDirName(t *testing.T) {
	assert.Equal(t, "crashinfo-app-G", reportDirName("app", "G", KindCrash))
	assert.Equal(t, "crashinfo-app-G", reportDirName("app", "G", KindAssert))
	assert.Equal(t, "ensureinfo-app-G", reportDirName("app", "G", KindEnsure))
	assert.Equal(t, "ensureinfo-app-G", reportDirName("app", "G", KindHang))
}

func TestParseMaps(t *testing.T) {
	maps := `55d0c6a00000-55d0c6a02000 r--p 00000000 08:01 131 /usr/bin/app
55d0c6a02000-55d0c6a08000 r-xp 00002000 08:01 131 /usr/bin/app
7f1c2a000000-7f1c2a1c0000 r-xp 00000000 08:01 200 /usr/lib/libc.so.6
7f1c2a1c0000-7f1c2a1c4000 r-xp 001c0000 08:01 200 /usr/lib/libc.so.6
7f1c2a200000-7f1c2a201000 r-xp 00000000 00:00 0 [vdso]
7f1c2a300000-7f1c2a301000 rw-p 00000000 00:00 0
7f1c2a400000-7f1c2a401000 r-xp 00000000 08:01 300 /opt/my lib/libx.so
`
	assert.Equal(t, []string{"/usr/bin/app", "/usr/lib/libc.so.6", "/opt/my lib/libx.so"}, parseMaps(strings.NewReader(maps)))
}

func TestParseKind(t *testing.T) {
	for k := KindCrash; k <= KindGPUCrash; k++ {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind("ensure")
	require.NoError(t, err)
	assert.Equal(t, KindEnsure, got)

	_, err = ParseKind("Unknown")
	assert.Error(t, err)
}
