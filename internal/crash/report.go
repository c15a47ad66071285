package crash

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Files written into every report directory.
const (
	DiagnosticsFile = "Diagnostics.txt"
	WERMetaFile     = "wermeta.xml"
	MinidumpFile    = "minidump.dmp"
	ConfigFileName  = "CrashReportClient.yaml"

	callstackStart = "<CALLSTACK START>"
	callstackEnd   = "<CALLSTACK END>"
)

// Report describes one written report.
type Report struct {
	GUID         string    `json:"guid"`
	Dir          string    `json:"dir"`
	Kind         Kind      `json:"kind"`
	Signal       int       `json:"signal"`
	Description  string    `json:"description"`
	ThreadID     uint64    `json:"thread_id"`
	ThreadName   string    `json:"thread_name"`
	CallstackCRC uint32    `json:"callstack_crc"`
	Time         time.Time `json:"time"`
	ReporterPID  int       `json:"reporter_pid,omitempty"`
}

// reportDirName separates crashes from non-fatal reports so an ensure
// never collides with a later crash.
func reportDirName(app, guid string, kind Kind) string {
	prefix := "crashinfo-"
	if !kind.Fatal() {
		prefix = "ensureinfo-"
	}
	return prefix + app + "-" + guid
}

// reportWriter renders the report files. Each step is best effort; the
// first error is returned after every file was attempted.
type reportWriter struct {
	dir        string
	app        string
	version    string
	engineMode string
	logPath    string
	configPath string
	args       []string
	when       time.Time
}

func (w *reportWriter) write(ctx *Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(w.writeDiagnostics(ctx))
	keep(w.writeWERMeta(ctx))
	keep(w.writeMinidump())
	if w.logPath != "" {
		keep(copyFile(w.logPath, filepath.Join(w.dir, w.app+".log")))
	}
	if w.configPath != "" {
		keep(copyFile(w.configPath, filepath.Join(w.dir, ConfigFileName)))
	}
	return first
}

func (w *reportWriter) writeDiagnostics(ctx *Context) error {
	var b strings.Builder
	b.WriteString("Generating report for minidump\r\n\r\n")
	fmt.Fprintf(&b, "Application version %s\r\n", w.version)
	fmt.Fprintf(&b, "OS version %s (%s/%s)\r\n", osVersion(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Running %d %s processors\r\n", runtime.NumCPU(), runtime.GOARCH)
	fmt.Fprintf(&b, "Exception was \"%s\"\r\n", ctx.Description())
	fmt.Fprintf(&b, "Thread %d (%s)\r\n\r\n", ctx.ThreadID, ctx.ThreadName())
	b.WriteString(callstackStart + "\r\n")
	b.WriteString(strings.ReplaceAll(strings.TrimRight(ctx.Backtrace(), "\n"), "\n", "\r\n"))
	b.WriteString("\r\n" + callstackEnd + "\r\n\r\n")

	mods := loadedModules()
	fmt.Fprintf(&b, "%d loaded modules\r\n", len(mods))
	for _, m := range mods {
		fmt.Fprintf(&b, "  %s\r\n", m)
	}
	b.WriteString("\r\nReport end!\r\n")
	return os.WriteFile(filepath.Join(w.dir, DiagnosticsFile), []byte(b.String()), 0o644)
}

type werReport struct {
	XMLName           xml.Name     `xml:"WERReportMetadata"`
	OSVersion         werOS        `xml:"OSVersionInformation"`
	ParentProcess     werParent    `xml:"ParentProcessInformation"`
	ProblemSignatures werProblem   `xml:"ProblemSignatures"`
	DynamicSignatures werDynamic   `xml:"DynamicSignatures"`
	SystemInformation werSystemInf `xml:"SystemInformation"`
}

type werOS struct {
	Product      string `xml:"Product"`
	Architecture string `xml:"Architecture"`
	LCID         string `xml:"LCID"`
}

type werParent struct {
	ParentProcessID   int    `xml:"ParentProcessId"`
	ParentProcessPath string `xml:"ParentProcessPath"`
}

type werProblem struct {
	EventType  string `xml:"EventType"`
	Parameter0 string `xml:"Parameter0"`
	Parameter1 string `xml:"Parameter1"`
	Parameter2 string `xml:"Parameter2"`
	Parameter3 string `xml:"Parameter3"`
	Parameter4 string `xml:"Parameter4"`
	Parameter5 string `xml:"Parameter5"`
	Parameter6 string `xml:"Parameter6"`
	Parameter7 string `xml:"Parameter7"`
	Parameter8 string `xml:"Parameter8"`
}

type werDynamic struct {
	Parameter1   string `xml:"Parameter1"`
	Parameter2   string `xml:"Parameter2"`
	IsEnsure     int    `xml:"IsEnsure"`
	IsAssert     int    `xml:"IsAssert"`
	IsGPUCrash   int    `xml:"IsGPUCrash"`
	IsHang       int    `xml:"IsHang"`
	CrashType    string `xml:"CrashType"`
	BuildVersion string `xml:"BuildVersion"`
	EngineMode   string `xml:"EngineMode"`
}

type werSystemInf struct {
	MID string `xml:"MID"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (w *reportWriter) werMeta(ctx *Context) werReport {
	exe, _ := os.Executable()
	var exeStamp string
	if fi, err := os.Stat(exe); err == nil {
		exeStamp = strconv.FormatInt(fi.ModTime().Unix(), 16)
	}
	lcid := os.Getenv("LANG")
	return werReport{
		OSVersion: werOS{
			Product:      osVersion(),
			Architecture: runtime.GOARCH,
			LCID:         lcid,
		},
		ParentProcess: werParent{
			ParentProcessID:   os.Getppid(),
			ParentProcessPath: parentPath(),
		},
		ProblemSignatures: werProblem{
			EventType:  "APPCRASH",
			Parameter0: w.app,
			Parameter1: w.version,
			Parameter2: exeStamp,
			Parameter3: filepath.Base(exe),
			Parameter4: runtime.Version(),
			Parameter5: strconv.FormatInt(w.when.Unix(), 16),
			Parameter6: "00000001",
			Parameter7: strconv.FormatUint(uint64(ctx.Machine), 16),
			Parameter8: "!" + strings.Join(w.args, " ") + "!",
		},
		DynamicSignatures: werDynamic{
			Parameter1:   machineID(),
			Parameter2:   lcid,
			IsEnsure:     boolInt(ctx.Kind == KindEnsure || ctx.Kind == KindHang),
			IsAssert:     boolInt(ctx.Kind == KindAssert),
			IsGPUCrash:   boolInt(ctx.Kind == KindGPUCrash),
			IsHang:       boolInt(ctx.Kind == KindHang),
			CrashType:    ctx.Kind.String(),
			BuildVersion: w.version,
			EngineMode:   w.engineMode,
		},
		SystemInformation: werSystemInf{MID: machineID()},
	}
}

func (w *reportWriter) writeWERMeta(ctx *Context) error {
	out, err := xml.MarshalIndent(w.werMeta(ctx), "", "\t")
	if err != nil {
		return fmt.Errorf("encode %s: %w", WERMetaFile, err)
	}
	data := append([]byte(xml.Header), out...)
	data = append(data, '\n')
	return os.WriteFile(filepath.Join(w.dir, WERMetaFile), data, 0o644)
}

// minidumpHeader is MINIDUMP_HEADER. The dump carries no streams: the Go
// runtime does not expose thread contexts, so the header only lets
// minidump tooling recognise the file.
type minidumpHeader struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRva uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

const (
	minidumpSignature = 0x504d444d // "MDMP"
	minidumpVersion   = 0xa793
)

func (w *reportWriter) writeMinidump() error {
	f, err := os.Create(filepath.Join(w.dir, MinidumpFile))
	if err != nil {
		return err
	}
	hdr := minidumpHeader{
		Signature:          minidumpSignature,
		Version:            minidumpVersion,
		StreamDirectoryRva: uint32(binary.Size(minidumpHeader{})),
		TimeDateStamp:      uint32(w.when.Unix()),
	}
	if err := binary.Write(f, binary.LittleEndian, hdr); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func executableOnly() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	return []string{exe}
}

func parentPath() string {
	p, err := os.Readlink("/proc/" + strconv.Itoa(os.Getppid()) + "/exe")
	if err != nil {
		return ""
	}
	return p
}
