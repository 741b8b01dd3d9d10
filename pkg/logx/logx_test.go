package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestWithFieldsAndLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").Named("reconciler")

	l.Debug("hidden")
	l.Info("built", Int("count", 26), Err(errors.New("boom")))

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "reconciler", got[0]["comp"])
	assert.Equal(t, float64(26), got[0]["count"])
	assert.Equal(t, "built", got[0]["message"])
	assert.Equal(t, "boom", got[0]["error"])
	assert.Contains(t, got[0]["caller"], "logx_test.go:")
}

func TestWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").Named("app")
	a := base.With(String("k", "a"))
	b := base.With(String("k", "b"))
	a.Info("one")
	b.Info("two")

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0]["k"])
	assert.Equal(t, "b", got[1]["k"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARNING ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.TraceLevel, parseLevel("trace", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}

func TestSampledCountsSuppressedLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := NewSampled(NewWriter(&buf, "debug"), time.Hour, 2)
	for i := 0; i < 5; i++ {
		s.Warn("channel create failed")
	}
	got := lines(t, &buf)
	assert.Len(t, got, 2)

	var nilSampled *Sampled
	nilSampled.Warn("ignored")
}
