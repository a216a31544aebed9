// Package audit appends one human-readable line per state change to the
// operation log. Recording is best-effort: failures are reported to the
// operator log and never reach the caller.
package audit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Recorder is implemented by anything that accepts audit entries.
type Recorder interface {
	Record(ctx context.Context, action string, details Details)
}

// Discard is a Recorder that drops every entry.
var Discard Recorder = discardRecorder{}

type discardRecorder struct{}

func (discardRecorder) Record(context.Context, string, Details) {}

// Entry is one immutable audit event.
type Entry struct {
	Timestamp time.Time
	ClientIP  string
	UserAgent string
	Action    string
	Details   Details
}

// Line renders the entry as "[<timestamp>] [<address>] <action> - <details>".
func (e Entry) Line() string {
	return fmt.Sprintf("[%s] [%s] %s - %s\n",
		e.Timestamp.UTC().Format(timestampLayout),
		e.ClientIP,
		e.Action,
		e.Details.JSON())
}

// Listener observes recorded entries. A panicking listener is recovered and logged.
type Listener func(Entry)

// LoggerConfig describes the dependencies of a Logger.
type LoggerConfig struct {
	Writer    io.Writer
	Clock     func() time.Time
	Logger    *zap.Logger
	Listeners []Listener
}

// Logger writes audit entries to Writer and fans them out to listeners.
type Logger struct {
	writeMu   sync.Mutex
	writer    io.Writer
	clock     func() time.Time
	logger    *zap.Logger
	listeners []Listener
}

// NewLogger builds a Logger. A nil writer discards lines.
func NewLogger(cfg LoggerConfig) *Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = io.Discard
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		writer:    writer,
		clock:     clock,
		logger:    logger,
		listeners: append([]Listener(nil), cfg.Listeners...),
	}
}

// OpenFile returns an append-only writer for path that rotates once the file
// grows beyond maxSizeMB megabytes. Rotated files are kept.
func OpenFile(path string, maxSizeMB int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:  path,
		MaxSize:   maxSizeMB,
		LocalTime: false,
	}
}

// Record appends one entry built from ctx, action and details.
func (l *Logger) Record(ctx context.Context, action string, details Details) {
	source := SourceFromContext(ctx)
	entry := Entry{
		Timestamp: l.clock(),
		ClientIP:  source.ClientIP,
		UserAgent: source.UserAgent,
		Action:    action,
		Details:   details,
	}
	if err := details.Err(); err != nil {
		l.logger.Warn("audit details encoding failed", zap.String("action", action), zap.Error(err))
	}

	if err := l.write(entry.Line()); err != nil {
		l.logger.Error("failed to record audit entry",
			zap.String("action", action),
			zap.Error(err))
		return
	}

	l.logger.Info("audit entry recorded",
		zap.String("action", action),
		zap.String("client_ip", entry.ClientIP),
		zap.String("user_agent", entry.UserAgent))

	for _, listener := range l.listeners {
		l.notify(listener, entry)
	}
}

func (l *Logger) write(line string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := io.WriteString(l.writer, line)
	return err
}

func (l *Logger) notify(listener Listener, entry Entry) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("audit listener panicked",
				zap.String("action", entry.Action),
				zap.Any("panic", recovered))
		}
	}()
	listener(entry)
}
