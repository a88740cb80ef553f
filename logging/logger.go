package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New 构造服务使用的 zerolog.Logger。
// 开发环境或 stdout 为终端时使用可读的 ConsoleWriter，否则输出 JSON。
func New(level, env string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, env)
}

// NewWithWriter 与 New 相同，但允许指定输出目标（测试中使用）。
func NewWithWriter(w io.Writer, level, env string) zerolog.Logger {
	lvl := ParseLevel(level)
	if env == "development" && level == "" {
		lvl = zerolog.DebugLevel
	}

	logger := zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if env == "development" || isTerminal(w) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger
}

// ParseLevel falls back to info for empty or unknown values.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// OrNop 返回 l 本身；l 为 nil 时返回丢弃所有输出的 logger。
func OrNop(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	nop := zerolog.New(io.Discard)
	return &nop
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
