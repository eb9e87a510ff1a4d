package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LOG_BUFFER_SIZE = 1000

var ErrLogNotInitialized = errors.New("log object is not initialized yet")

const (
	LOG_LEVEL_ERROR = iota + 1
	LOG_LEVEL_WARN
	LOG_LEVEL_INFO
	LOG_LEVEL_DEBUG
)

type LogOptions struct {
	// Dir is the log folder; empty means stderr.
	Dir     string
	File    string
	Level   string
	Rewrite bool
}

// Logger hands entries to a background goroutine so callers on the sampling
// path never block on file I/O. The zero value is usable and drops entries.
type Logger struct {
	logBuffer chan logEntry
	handle    *os.File
	wg        *sync.WaitGroup
	zapLogger *zap.Logger
	level     zapcore.Level

	mu                sync.RWMutex
	loggerInitialized bool
}

type logEntry struct {
	level  int
	msg    string
	fields []zap.Field
}

func (l *Logger) Init(opts LogOptions) error {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return err
	}

	var writer zapcore.WriteSyncer
	if opts.Dir == "" {
		writer = zapcore.Lock(os.Stderr)
	} else {
		if err := CheckAndCreateFolder(opts.Dir); err != nil {
			return err
		}
		flags := os.O_RDWR | os.O_CREATE | os.O_APPEND
		if opts.Rewrite {
			flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
		}
		l.handle, err = os.OpenFile(filepath.Join(opts.Dir, opts.File), flags, 0666)
		if err != nil {
			return err
		}
		writer = zapcore.AddSync(l.handle)
	}

	l.start(writer, level)
	return nil
}

func (l *Logger) start(writer zapcore.WriteSyncer, level zapcore.Level) {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(config)

	l.level = level
	l.zapLogger = zap.New(zapcore.NewCore(encoder, writer, level))
	l.logBuffer = make(chan logEntry, LOG_BUFFER_SIZE)
	l.wg = new(sync.WaitGroup)

	l.wg.Add(1)
	go l.logWriter()

	l.mu.Lock()
	l.loggerInitialized = true
	l.mu.Unlock()
}

// ParseLogLevel accepts error, warn, info and debug; empty means info.
func ParseLogLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return zapcore.ErrorLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func zapLevel(level int) zapcore.Level {
	switch level {
	case LOG_LEVEL_ERROR:
		return zapcore.ErrorLevel
	case LOG_LEVEL_WARN:
		return zapcore.WarnLevel
	case LOG_LEVEL_DEBUG:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) logWriter() {
	defer l.wg.Done()
	for entry := range l.logBuffer {
		if ce := l.zapLogger.Check(zapLevel(entry.level), entry.msg); ce != nil {
			ce.Write(entry.fields...)
		}
	}
	l.zapLogger.Sync()
}

// LogEvent keeps the variadic form: LogEvent(msg) logs at info,
// LogEvent(LOG_LEVEL_X, parts...) joins parts at that level.
func (l *Logger) LogEvent(v ...interface{}) error {
	var (
		msg   string
		level = LOG_LEVEL_INFO
	)

	if len(v) == 1 {
		msg = fmt.Sprint(v[0])
	} else if len(v) > 1 {
		if lv, ok := v[0].(int); ok && lv >= LOG_LEVEL_ERROR && lv <= LOG_LEVEL_DEBUG {
			level = lv
			msg = fmt.Sprintf("%v", v[1:])
		} else {
			msg = fmt.Sprintf("%v", v)
		}
		msg = msg[1 : len(msg)-1]
	}

	return l.enqueue(logEntry{level: level, msg: msg})
}

// LogFields writes one structured line.
func (l *Logger) LogFields(level int, msg string, fields ...zap.Field) error {
	return l.enqueue(logEntry{level: level, msg: msg, fields: fields})
}

func (l *Logger) enqueue(entry logEntry) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.loggerInitialized {
		return ErrLogNotInitialized
	}
	if !l.level.Enabled(zapLevel(entry.level)) {
		return nil
	}
	l.logBuffer <- entry
	return nil
}

// DeInit drains pending entries and closes the log file.
func (l *Logger) DeInit() error {
	l.mu.Lock()
	if !l.loggerInitialized {
		l.mu.Unlock()
		return nil
	}
	l.loggerInitialized = false
	close(l.logBuffer)
	l.mu.Unlock()

	l.wg.Wait()

	if l.handle != nil {
		return l.handle.Close()
	}
	return nil
}

func CheckAndCreateFolder(folderNameWithPath string) error {
	_, err := os.Stat(folderNameWithPath)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(folderNameWithPath, 0755); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", folderNameWithPath, err)
		}
		return nil
	}
	return err
}
