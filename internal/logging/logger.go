package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// The level at which this logger logs. Messages intended for a higher
	// (more verbose) level are dropped.
	Level

	// Tag used to filter and classify log messages.
	Tag string

	// Shared by all derived loggers.
	out *output
}

// Destination shared between a logger and everything derived from it.
type output struct {
	sync.Mutex
	w     io.Writer
	color bool
}

// Write to stderr by default.
var DefaultLogger = &Logger{defaultLevel, "", &output{w: os.Stderr, color: true}}

// Called by Fatalf after the message has been written. Replaced in tests.
var exit = os.Exit

// Override the destination for this logger and every logger derived from it.
func (log *Logger) SetDestination(w io.Writer) {
	log.out.Lock()
	log.out.w = w
	log.out.Unlock()
}

// Enable or disable ANSI colors.
func (log *Logger) SetColor(enabled bool) {
	log.out.Lock()
	log.out.color = enabled
	log.out.Unlock()
}

// Derive a new logger with the given tag. The level is looked up from the
// environment, falling back to this logger's level.
func (log *Logger) WithTag(tag string) *Logger {
	return &Logger{determineLevel(tag, log.Level), tag, log.out}
}

// Enabled reports whether a message at the given level would be written.
func (log *Logger) Enabled(level Level) bool {
	return level <= log.Level
}

type buffer []byte

func (b *buffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make(buffer, 0, 256)
		return &b
	},
}

// Log a message at the given level. Include the file and line number from
// 'calldepth' steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > log.Level {
		return
	}

	bp := bufPool.Get().(*buffer)
	buf := (*bp)[:0]
	defer func() {
		*bp = buf[:0]
		bufPool.Put(bp)
	}()

	log.out.Lock()
	color := log.out.color
	log.out.Unlock()

	if color {
		buf = append(buf, ansiWhite...)
	}
	buf = time.Now().AppendFormat(buf, timestampFormat)

	if color {
		fmt.Fprintf(&buf, " %s%c/%s", level.color(), level.letter(), log.Tag)
	} else {
		fmt.Fprintf(&buf, " %c/%s", level.letter(), log.Tag)
	}

	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}
	fmt.Fprintf(&buf, "[%s:%d] ", filepath.Base(file), line)
	if color {
		buf = append(buf, ansiReset...)
	}

	fmt.Fprintf(&buf, format, a...)
	if n := len(buf); n == 0 || buf[n-1] != '\n' {
		buf = append(buf, '\n')
	}

	log.out.Lock()
	_, err := log.out.w.Write(buf)
	log.out.Unlock()
	if err != nil {
		panic(fmt.Sprintf("Failed to log to %v: %v", log.out.w, err))
	}
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}

// Panicf logs at Error level and panics with the formatted message. Used for
// broken invariants and misconfiguration that leave no sane way forward.
func (log *Logger) Panicf(format string, a ...interface{}) {
	s := fmt.Sprintf(format, a...)
	log.Log(Error, 1, "%s", s)
	panic(s)
}

// Fatalf logs at Error level and exits the process.
func (log *Logger) Fatalf(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
	exit(1)
}

func (log *Logger) Printf(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}
