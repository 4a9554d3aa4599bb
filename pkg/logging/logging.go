package logging

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level      string
	Format     string // console or json
	File       string
	WithCaller bool
	MaxSizeMB  int
	MaxBackups int
}

// InitLogger configures the global zerolog logger. Logs go to stderr unless a
// file is set, in which case they are rotated by lumberjack.
func InitLogger(s Settings) error {
	lvl := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(s.Level)
		if err != nil {
			return errors.Wrapf(err, "logging: parse level %q", s.Level)
		}
		lvl = l
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if s.File != "" {
		maxSize := s.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		out = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    maxSize,
			MaxBackups: s.MaxBackups,
			Compress:   false,
		}
	}

	switch s.Format {
	case "", "console":
		if s.File == "" {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	case "json":
	default:
		return errors.Errorf("logging: unknown format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
