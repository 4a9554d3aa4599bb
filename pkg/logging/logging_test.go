package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_WritesToFile(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	path := filepath.Join(t.TempDir(), "chatline.log")
	require.NoError(t, InitLogger(Settings{Level: "debug", Format: "json", File: path}))
	log.Debug().Str("component", "test").Msg("hello from the test")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"message":"hello from the test"`)
	require.Contains(t, string(b), `"component":"test"`)
}

func TestInitLogger_RejectsBadSettings(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	require.Error(t, InitLogger(Settings{Level: "loud"}))
	require.Error(t, InitLogger(Settings{Format: "xml"}))
}
