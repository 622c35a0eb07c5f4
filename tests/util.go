package testutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/trezcool/masomo-sync/core"
)

// Logger is a core.Logger recording every message.
type Logger struct {
	mu sync.Mutex

	Messages []LogEntry
}

type LogEntry struct {
	Level string
	Msg   string
}

var _ core.Logger = (*Logger)(nil)

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) log(level, msg string, _ []interface{}) {
	l.mu.Lock()
	l.Messages = append(l.Messages, LogEntry{Level: level, Msg: msg})
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("DEBUG", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("INFO", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("WARN", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("ERROR", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log("FATAL", msg, args)
	panic(fmt.Sprintf("fatal: %s", msg))
}

// Count returns how many messages of the level contain substr.
func (l *Logger) Count(level, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	for _, e := range l.Messages {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			n++
		}
	}
	return n
}
