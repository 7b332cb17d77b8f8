package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewWithOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("warn", &buf)

	log.Info().Msg("should be filtered")
	assert.Empty(t, buf.String())

	log.Warn().Msg("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestNewWithOutputUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("not-a-level", &buf)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNewWithOutputIsCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("  DEBUG  ", &buf)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log.Debug().Msg("x")
	assert.True(t, strings.Contains(buf.String(), "\"level\":\"debug\""))
}
