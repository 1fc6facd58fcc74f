// Package logger — логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать движок синхронизации и другие сервисы. Поддерживается
// логирование времени выполнения удалённых вызовов и запросов к БД.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	slowThreshold   = 100 * time.Millisecond
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

var (
	prefix   atomic.Value // string
	logLevel atomic.Int32
	ch       chan string
	once     sync.Once
	dropped  atomic.Int64
	out      = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	logLevel.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
}

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			out.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон — не блокируем, теряем лог
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "api", "relay", "chatctl").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetLevel задаёт уровень из строки конфигурации ("debug", "info", "error").
func SetLevel(s string) {
	logLevel.Store(int32(parseLevel(s)))
}

// SetOutput перенаправляет вывод (нужно CLI, чтобы логи не смешивались с выводом команд).
func SetOutput(w io.Writer) {
	out.SetOutput(w)
}

// Dropped возвращает число потерянных из-за переполнения буфера записей.
func Dropped() int64 { return dropped.Load() }

func enabled(l Level) bool {
	return Level(logLevel.Load()) <= l
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Info(v ...any) {
	if enabled(LevelInfo) {
		enqueue(tag() + fmt.Sprint(v...))
	}
}

func Infof(format string, v ...any) {
	if enabled(LevelInfo) {
		enqueue(tag() + fmt.Sprintf(format, v...))
	}
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	if enabled(LevelDebug) {
		enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
	}
}

func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя операции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if enabled(LevelDebug) || elapsed >= slowThreshold {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("remote.Thread", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
