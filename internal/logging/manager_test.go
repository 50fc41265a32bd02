package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerTeesIntoManager(t *testing.T) {
	var out bytes.Buffer
	m := NewManager(10)
	logger := Component(New(m, Options{Level: "debug", Output: &out}), "watchdog")

	logger.Info("reset stuck agent", "agent_id", "sable")
	logger.Debug("sweep finished")

	entries := m.GetRecent(0, "", "")
	require.Len(t, entries, 2)
	assert.Equal(t, "sweep finished", entries[0].Message, "newest first")
	assert.Equal(t, "watchdog", entries[1].Source)
	assert.Equal(t, "sable", entries[1].Metadata["agent_id"])
	assert.True(t, strings.Contains(out.String(), "reset stuck agent"))
}

func TestGetRecentFilters(t *testing.T) {
	m := NewManager(10)
	base := New(m, Options{Level: "debug"})
	Component(base, "nudger").Warn("enqueue failed")
	Component(base, "watchdog").Info("sweep")
	Component(base, "watchdog").Warn("reset failed")

	warn := m.GetRecent(0, "warn", "")
	assert.Len(t, warn, 2)

	wd := m.GetRecent(0, "", "watchdog")
	assert.Len(t, wd, 2)

	limited := m.GetRecent(1, "", "")
	require.Len(t, limited, 1)
	assert.Equal(t, "reset failed", limited[0].Message)
}

func TestRingOverwritesOldest(t *testing.T) {
	m := NewManager(3)
	logger := New(m, Options{})
	for _, msg := range []string{"a", "b", "c", "d"} {
		logger.Info(msg)
	}
	entries := m.GetRecent(0, "", "")
	require.Len(t, entries, 3)
	assert.Equal(t, "d", entries[0].Message)
	assert.Equal(t, "b", entries[2].Message)
}

func TestLevelBelowThresholdNotBuffered(t *testing.T) {
	m := NewManager(5)
	New(m, Options{Level: "warn"}).Info("quiet")
	assert.Empty(t, m.GetRecent(0, "", ""))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("warning").String())
	assert.Equal(t, "INFO", ParseLevel("").String())
}
