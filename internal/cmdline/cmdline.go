// Package cmdline parses engine-style command lines. Switches look like
// "-Key=Value" or "-Flag", are matched case-insensitively, and values may
// be quoted to carry spaces.
package cmdline

import (
	"strconv"
	"strings"
)

// Switch names consumed by oslayer.
const (
	NoThreadTimeout            = "nothreadtimeout"
	CrashGUID                  = "CrashGUID"
	Unattended                 = "Unattended"
	Abslog                     = "Abslog"
	NumForks                   = "NumForks"
	WaitAndForkCmdLinePath     = "WaitAndForkCmdLinePath"
	WaitAndForkRequireResponse = "WaitAndForkRequireResponse"
)

// Tokenize splits line on unquoted whitespace. Double quotes group text
// containing spaces and are removed from the result, so
// `-opt="has space here"` yields `-opt=has space here`. A backslash before
// a double quote produces a literal quote.
func Tokenize(line string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	flush := func() {
		if started {
			tokens = append(tokens, cur.String())
			cur.Reset()
			started = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line) && line[i+1] == '"':
			cur.WriteByte('"')
			started = true
			i++
		case c == '"':
			inQuote = !inQuote
			started = true
		case (c == ' ' || c == '\t' || c == '\n' || c == '\r') && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	flush()
	return tokens
}

// Join is the inverse of Tokenize: arguments containing whitespace or
// quotes are quoted so Tokenize(Join(args)) returns args.
func Join(args []string) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(quote(a))
	}
	return b.String()
}

func quote(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\r\n\"") {
		return a
	}
	// Trailing backslashes stay outside the quotes so they cannot pair
	// with the closing quote.
	body := strings.TrimRight(a, "\\")
	tail := a[len(body):]
	return `"` + strings.ReplaceAll(body, `"`, `\"`) + `"` + tail
}

// CommandLine is a parsed argument list.
type CommandLine struct {
	args []string
}

// Parse wraps an already split argument list (for example os.Args[1:]).
func Parse(args []string) CommandLine {
	return CommandLine{args: append([]string(nil), args...)}
}

// ParseString tokenizes line and parses the result.
func ParseString(line string) CommandLine {
	return CommandLine{args: Tokenize(line)}
}

// Args returns a copy of the raw arguments.
func (c CommandLine) Args() []string {
	return append([]string(nil), c.args...)
}

func switchBody(arg string) (string, bool) {
	if strings.HasPrefix(arg, "--") {
		return arg[2:], true
	}
	if strings.HasPrefix(arg, "-") && len(arg) > 1 {
		return arg[1:], true
	}
	return "", false
}

// Has reports whether the flag is present, either bare or with a value.
func (c CommandLine) Has(name string) bool {
	for _, arg := range c.args {
		body, ok := switchBody(arg)
		if !ok {
			continue
		}
		key, _, _ := strings.Cut(body, "=")
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

// Value returns the value of "-name=value". The last occurrence wins.
func (c CommandLine) Value(name string) (string, bool) {
	var (
		val   string
		found bool
	)
	for _, arg := range c.args {
		body, ok := switchBody(arg)
		if !ok {
			continue
		}
		key, v, hasValue := strings.Cut(body, "=")
		if hasValue && strings.EqualFold(key, name) {
			val, found = v, true
		}
	}
	return val, found
}

// Int returns the integer value of "-name=n".
func (c CommandLine) Int(name string) (int, bool) {
	v, ok := c.Value(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Positional returns the arguments that are not switches.
func (c CommandLine) Positional() []string {
	var out []string
	for _, arg := range c.args {
		if _, ok := switchBody(arg); ok {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// ForkSettings describes fork-server mode. Only parsing is provided; the
// fork server itself lives outside this module.
type ForkSettings struct {
	NumForks        int
	CmdLinePath     string
	RequireResponse bool
}

// Enabled reports whether fork-server mode was requested.
func (f ForkSettings) Enabled() bool {
	return f.NumForks > 0 || f.CmdLinePath != ""
}

// ForkSettings extracts the fork-server switches.
func (c CommandLine) ForkSettings() ForkSettings {
	var fs ForkSettings
	if n, ok := c.Int(NumForks); ok && n > 0 {
		fs.NumForks = n
	}
	fs.CmdLinePath, _ = c.Value(WaitAndForkCmdLinePath)
	fs.RequireResponse = c.Has(WaitAndForkRequireResponse)
	return fs
}
