// Package allreducelog is a small leveled, structured logger in the
// go-ethereum idiom: Warn/Error/etc. take a message and alternating
// key/value context, and output is colorized when writing to a terminal.
package allreducelog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log verbosity level, ordered from least verbose (LvlCrit) to
// most verbose (LvlTrace).
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "???"
	}
}

var levelColor = map[Level]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed, color.Bold),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgWhite),
}

// Logger is the interface used throughout the module; NewLogger's return
// value satisfies it, and callers outside this package may supply their own.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	color  bool
	prefix string
}

// New builds a Logger writing to w at verbosity level. If w is a terminal,
// output is colorized via fatih/color; colorable wraps that file so ANSI
// codes still render correctly on Windows consoles.
func New(w io.Writer, level Level) Logger {
	colorize := false
	if f, ok := w.(*os.File); ok {
		colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if colorize {
			w = colorable.NewColorable(f)
		}
	}
	return &logger{out: w, level: level, color: colorize}
}

// Default is a ready-to-use Logger at LvlInfo writing to stdout.
var Default = New(os.Stdout, LvlInfo)

// ParseLevel parses one of trace/debug/info/warn/error/crit (case
// insensitive), the string form used by the --loglevel flag and by TOML
// configuration files.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LvlTrace, nil
	case "debug":
		return LvlDebug, nil
	case "info":
		return LvlInfo, nil
	case "warn":
		return LvlWarn, nil
	case "error":
		return LvlError, nil
	case "crit":
		return LvlCrit, nil
	default:
		return LvlInfo, fmt.Errorf("allreducelog: unknown level %q", s)
	}
}

func (l *logger) log(lvl Level, msg string, ctx []interface{}) {
	if lvl > l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05.000")
	tag := lvl.String()
	if l.color {
		tag = levelColor[lvl].Sprint(tag)
	}
	fmt.Fprintf(l.out, "%s [%s] %s", ts, tag, msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", ctx[i], ctx[i+1])
	}
	fmt.Fprintln(l.out)
	if lvl == LvlCrit {
		os.Exit(1)
	}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.log(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.log(LvlCrit, msg, ctx) }
