// Package log provides the structured, key/value logger used throughout the
// tenure controller. The call convention (log.Info("msg", "key", value, ...))
// mirrors the logger the teacher node uses in miner/worker.go and
// consensus/bsrr/berith.go.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is the severity of a log record, ordered least to most severe.
type Lvl int

const (
	LvlTrace Lvl = iota
	LvlDebug
	LvlInfo
	LvlWarn
	LvlError
)

func (l Lvl) String() string {
	switch l {
	case LvlTrace:
		return "TRCE"
	case LvlDebug:
		return "DBUG"
	case LvlInfo:
		return "INFO"
	case LvlWarn:
		return "WARN"
	case LvlError:
		return "EROR"
	default:
		return "????"
	}
}

var levelColor = map[Lvl]*color.Color{
	LvlTrace: color.New(color.FgHiBlack),
	LvlDebug: color.New(color.FgCyan),
	LvlInfo:  color.New(color.FgGreen),
	LvlWarn:  color.New(color.FgYellow),
	LvlError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, structured records to an underlying writer.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
	ctx      []interface{}
	minLvl   Lvl
}

var root = New()

// New builds a Logger writing to stderr, colorized if stderr is a terminal.
func New(ctx ...interface{}) *Logger {
	out := os.Stderr
	colorized := isatty.IsTerminal(out.Fd())
	var w io.Writer = out
	if colorized {
		w = colorable.NewColorable(out)
	}
	return &Logger{out: w, colorize: colorized, ctx: ctx, minLvl: LvlTrace}
}

// New returns a derived logger carrying additional persistent key/value context.
func (l *Logger) New(ctx ...interface{}) *Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &Logger{out: l.out, colorize: l.colorize, ctx: nctx, minLvl: l.minLvl}
}

// SetLevel filters out records below lvl.
func (l *Logger) SetLevel(lvl Lvl) { l.minLvl = lvl }

func (l *Logger) write(lvl Lvl, msg string, kv []interface{}) {
	if lvl < l.minLvl {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("2006-01-02T15:04:05.000")
	caller := ""
	if cs := stack.Caller(2); cs != nil {
		caller = fmt.Sprintf("%+v", cs)
	}

	levelTxt := lvl.String()
	if l.colorize {
		levelTxt = levelColor[lvl].Sprint(levelTxt)
	}

	fmt.Fprintf(l.out, "%s [%s] %s", ts, levelTxt, msg)
	all := make([]interface{}, 0, len(l.ctx)+len(kv))
	all = append(all, l.ctx...)
	all = append(all, kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	if caller != "" {
		fmt.Fprintf(l.out, " caller=%s", caller)
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.write(LvlTrace, msg, kv) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.write(LvlDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.write(LvlInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.write(LvlWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.write(LvlError, msg, kv) }

// Package-level convenience functions operate on a shared root logger, the
// same affordance the teacher's "github.com/BerithFoundation/berith-chain/log"
// package offers its callers. They call write directly so the caller
// annotation names their caller's call site.
func Trace(msg string, kv ...interface{}) { root.write(LvlTrace, msg, kv) }
func Debug(msg string, kv ...interface{}) { root.write(LvlDebug, msg, kv) }
func Info(msg string, kv ...interface{})  { root.write(LvlInfo, msg, kv) }
func Warn(msg string, kv ...interface{})  { root.write(LvlWarn, msg, kv) }
func Error(msg string, kv ...interface{}) { root.write(LvlError, msg, kv) }

// NewContext creates a child of the root logger with persistent context, mirroring
// log.New(...) from the teacher's logging package.
func NewContext(ctx ...interface{}) *Logger { return root.New(ctx...) }
