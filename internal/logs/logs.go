// Package logs is the process-wide leveled logger used by every portmesh package.
//
// It keeps a printf-style call surface (Infof, Warnf, Errf, ...) over a zerolog
// console writer, with optional rotated file output and a repeat-line limiter.
package logs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int8

const (
	TraceLevel Level = iota - 1
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	Disabled Level = 7
)

// Config controls output format and destinations.
type Config struct {
	Level     Level
	Timestamp bool
	NoColor   bool
	Bypass    bool

	// Output is the console destination. Nil means stderr so stdout stays
	// free for message data.
	Output io.Writer

	// File enables rotated file output in addition to Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// RepeatLimit caps how many times an identical rendered line is emitted. 0 disables.
	RepeatLimit int
}

func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Timestamp:  true,
		MaxSizeMB:  64,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

type state struct {
	cfg     Config
	logger  zerolog.Logger
	plain   io.Writer
	file    *lumberjack.Logger
	counter *hashmap.HashMap
}

var (
	mu      sync.Mutex
	current atomic.Pointer[state]
)

func init() {
	Configure(DefaultConfig())
}

// Configure replaces the active configuration. Safe to call more than once.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	next := &state{cfg: cfg, counter: &hashmap.HashMap{}}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.File != "" {
		next.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(out, next.file)
	}
	next.plain = out

	console := zerolog.ConsoleWriter{
		Out:     out,
		NoColor: cfg.NoColor || cfg.File != "",
	}
	if cfg.Timestamp {
		console.TimeFormat = time.RFC3339
	} else {
		console.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	ctx := zerolog.New(console).Level(toZerolog(cfg.Level)).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	next.logger = ctx.Logger()

	if prev := current.Swap(next); prev != nil && prev.file != nil {
		_ = prev.file.Close()
	}
}

// Logger exposes the configured zerolog logger for structured call sites.
func Logger() zerolog.Logger {
	return current.Load().logger
}

func Tracef(format string, args ...any) { emit(TraceLevel, format, args...) }
func Debugf(format string, args ...any) { emit(DebugLevel, format, args...) }
func Infof(format string, args ...any)  { emit(InfoLevel, format, args...) }
func Warnf(format string, args ...any)  { emit(WarnLevel, format, args...) }
func Errf(format string, args ...any)   { emit(ErrorLevel, format, args...) }

// Logf logs at info level without the limiter; used for test narration.
func Logf(format string, args ...any) {
	st := current.Load()
	line := fmt.Sprintf(format, args...)
	if st.cfg.Bypass {
		fmt.Fprintln(st.plain, line)
		return
	}
	st.logger.Info().Msg(line)
}

func Log(msg string) {
	Logf("%s", msg)
}

func emit(lvl Level, format string, args ...any) {
	st := current.Load()
	if st.cfg.Level == Disabled || lvl < st.cfg.Level {
		return
	}
	line := fmt.Sprintf(format, args...)
	if !st.allow(line) {
		return
	}
	if st.cfg.Bypass {
		fmt.Fprintf(st.plain, "%s %s\n", levelTag(lvl), line)
		return
	}
	st.logger.WithLevel(toZerolog(lvl)).Msg(line)
}

func (s *state) allow(line string) bool {
	if s.cfg.RepeatLimit <= 0 {
		return true
	}
	var n int64
	val, _ := s.counter.GetOrInsert(line, &n)
	seen := atomic.AddInt64(val.(*int64), 1)
	return seen <= int64(s.cfg.RepeatLimit)
}

func toZerolog(lvl Level) zerolog.Level {
	switch lvl {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

func levelTag(lvl Level) string {
	switch lvl {
	case TraceLevel:
		return "TRC"
	case DebugLevel:
		return "DBG"
	case InfoLevel:
		return "INF"
	case WarnLevel:
		return "WRN"
	default:
		return "ERR"
	}
}
