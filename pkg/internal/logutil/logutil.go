package logutil

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var jsonMode atomic.Bool

var encoder = zapcore.NewJSONEncoder(zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "level",
	MessageKey:     "msg",
	EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
})

func init() {
	if os.Getenv("HB_LOG_JSON") == "1" || os.Getenv("HB_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

func prefix(l *log.Logger, p string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	return log.New(l.Writer(), p, l.Flags())
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

func Infof(l *log.Logger, f string, args ...any)  { logf(l, zapcore.InfoLevel, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, zapcore.WarnLevel, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, zapcore.ErrorLevel, f, args...) }

func logf(l *log.Logger, level zapcore.Level, f string, args ...any) {
	if l == nil {
		l = log.Default()
	}
	if jsonMode.Load() {
		if b, err := encodeJSON(level, fmt.Sprintf(f, args...)); err == nil {
			l.Println(strings.TrimRight(b.String(), "\n"))
			b.Free()
			return
		}
	}
	prefix(l, strings.ToUpper(level.String())+" ").Printf(f, args...)
}

func encodeJSON(level zapcore.Level, msg string) (*buffer.Buffer, error) {
	entry := zapcore.Entry{Level: level, Time: time.Now().UTC(), Message: msg}
	return encoder.EncodeEntry(entry, nil)
}
