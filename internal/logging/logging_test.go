package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, JSON: true, Output: &buf})
	l.WithComponent("enforcer").Info("rule applied", "ip", "203.0.113.7")

	out := buf.String()
	require.Contains(t, out, `"component":"enforcer"`)
	require.Contains(t, out, `"ip":"203.0.113.7"`)
	require.Contains(t, out, "rule applied")
}

func TestDebugLevelFiltered(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})
	l.Debug("should not appear")
	l.Warn("should appear")

	out := buf.String()
	require.False(t, strings.Contains(out, "should not appear"))
	require.True(t, strings.Contains(out, "should appear"))
}
