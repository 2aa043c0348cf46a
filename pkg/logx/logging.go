package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and sinks. It can be re-applied at runtime.
type Config struct {
	Level string
	// Console enables the human-readable stderr sink.
	Console bool
	// JSON makes the console sink emit JSON lines, e.g. for journald.
	JSON bool
	File FileConfig
	// Out replaces stderr as the console sink.
	Out io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./respire.log"

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to a log event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint32(k string, v uint32) Field {
	return func(e *zerolog.Event) { e.Uint32(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err records err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a small value-type logger. One derived from a Service follows
// every Service.Apply; the zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if l.svc == nil || l.svc.caller.Load() {
		if caller := shortCaller(3); caller != "" {
			e.Str(zerolog.CallerFieldName, caller)
		}
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// shortCaller returns file:line without the directory.
func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the sinks and swaps them on Apply. Loggers derived from it
// pick up the new root on their next call.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root   atomic.Pointer[zerolog.Logger]
	caller atomic.Bool
}

// New applies cfg and returns the service with a root logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	s.caller.Store(true)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks from cfg. Safe for concurrent use with logging.
// A file that cannot be opened is reported on the console and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	console := cfg.Out
	if console == nil {
		console = os.Stderr
	}
	journald := os.Getenv("JOURNAL_STREAM") != "" && cfg.Out == nil

	var writers []io.Writer
	if cfg.Console || !cfg.File.Enabled {
		if cfg.JSON {
			writers = append(writers, console)
		} else {
			writers = append(writers, newConsoleWriter(console, journald))
		}
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(console, "logx: open %q: %v\n", path, err)
			if len(writers) == 0 {
				writers = append(writers, newConsoleWriter(console, journald))
			}
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	// journald already records time and source; keep the console line short.
	s.caller.Store(!journald || cfg.File.Enabled)
	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With()
	if !journald || cfg.File.Enabled {
		ctx = ctx.Timestamp()
	}
	zl := ctx.Logger()
	s.root.Store(&zl)
}

func newConsoleWriter(w io.Writer, journald bool) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat, NoColor: journald}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
