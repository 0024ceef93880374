package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewParsesValidLevel(t *testing.T) {
	logger := New("warn", "json")
	require.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	logger := New("not-a-level", "json")
	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNewAcceptsConsoleFormat(t *testing.T) {
	logger := New("debug", "console")
	require.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}
