package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Level defines the log levels
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// entry represents a single queued log entry
type entry struct {
	level     Level
	message   string
	timestamp time.Time
	fields    map[string]interface{}
}

// AsyncLogger decouples log producers from the JSON writer through a
// buffered channel and a background worker. Producers hold the read lock
// while sending so Close can fence them out before closing the channel.
type AsyncLogger struct {
	mu      sync.RWMutex
	closed  bool
	logChan chan entry
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewAsyncLogger creates a new async logger with the specified buffer size
func NewAsyncLogger(bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	al := &AsyncLogger{
		logChan: make(chan entry, bufferSize),
		logger:  slog.New(handler),
	}

	al.wg.Add(1)
	go al.worker()

	return al
}

// worker drains queued entries in batches in the background
func (al *AsyncLogger) worker() {
	defer al.wg.Done()

	batch := make([]entry, 0, 100)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-al.logChan:
			if !ok {
				al.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= 100 {
				al.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				al.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AsyncLogger) flush(entries []entry) {
	ctx := context.Background()
	for _, e := range entries {
		attrs := make([]slog.Attr, 0, len(e.fields))
		for key, value := range e.fields {
			attrs = append(attrs, slog.Any(key, value))
		}

		switch e.level {
		case LevelDebug:
			al.logger.LogAttrs(ctx, slog.LevelDebug, e.message, attrs...)
		case LevelInfo:
			al.logger.LogAttrs(ctx, slog.LevelInfo, e.message, attrs...)
		case LevelWarn:
			al.logger.LogAttrs(ctx, slog.LevelWarn, e.message, attrs...)
		case LevelError:
			al.logger.LogAttrs(ctx, slog.LevelError, e.message, attrs...)
		}
	}
}

func (al *AsyncLogger) log(level Level, msg string, fields map[string]interface{}) {
	e := entry{
		level:     level,
		message:   msg,
		timestamp: time.Now(),
		fields:    fields,
	}

	al.mu.RLock()
	defer al.mu.RUnlock()
	if al.closed {
		// Shutdown already flushed; stragglers from abandoned streams are
		// dropped rather than racing the channel close
		return
	}

	select {
	case al.logChan <- e:
	default:
		// Buffer full, drop rather than block the caller
		fmt.Fprintf(os.Stderr, "async logger buffer full, dropping log: %s\n", msg)
	}
}

// Close flushes queued entries and stops the worker. Safe to call more than
// once; messages logged after Close are dropped.
func (al *AsyncLogger) Close() {
	al.mu.Lock()
	if al.closed {
		al.mu.Unlock()
		return
	}
	al.closed = true
	al.mu.Unlock()

	// No producer can be mid-send here: senders hold the read lock and new
	// ones see closed
	close(al.logChan)
	al.wg.Wait()
}

// Global async logger instance
var (
	globalLogger *AsyncLogger
	loggerOnce   sync.Once
)

func global() *AsyncLogger {
	loggerOnce.Do(func() {
		globalLogger = NewAsyncLogger(2000)
	})
	return globalLogger
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Package-level convenience functions backed by the global async logger.
func Debug(msg string, fields ...map[string]interface{}) {
	global().log(LevelDebug, msg, first(fields))
}

func Info(msg string, fields ...map[string]interface{}) {
	global().log(LevelInfo, msg, first(fields))
}

func Warn(msg string, fields ...map[string]interface{}) {
	global().log(LevelWarn, msg, first(fields))
}

func Error(msg string, fields ...map[string]interface{}) {
	global().log(LevelError, msg, first(fields))
}

// CloseGlobal flushes and stops the global async logger
func CloseGlobal() {
	if globalLogger != nil {
		globalLogger.Close()
	}
}
