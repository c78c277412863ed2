package decisionlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendWritesSortedKeysAndUpdatesSnapshot(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "decisions.log")
	snapPath := filepath.Join(dir, "snapshot.json")

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := New(logPath, snapPath, func() time.Time { return clock }, nil)
	require.NoError(t, err)
	defer r.Close()

	r.Append(Entry{
		Event:          "alert",
		Score:          85,
		Classification: "malware",
		Average:        72.5,
		DesiredMode:    "lockdown",
		TargetMode:     "lockdown",
		Mode:           "lockdown",
		SrcIP:          "203.0.113.7",
		Actions:        []string{"redirect", "block"},
	})

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	require.Len(t, lines, 1)

	var rawFields map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rawFields))
	require.Equal(t, "203.0.113.7", rawFields["src_ip"])
	require.Equal(t, "malware", rawFields["classification"])
	require.Contains(t, rawFields, "id")
	require.Less(t, bytes.Index(lines[0], []byte(`"actions"`)), bytes.Index(lines[0], []byte(`"id"`)))
	require.Less(t, bytes.Index(lines[0], []byte(`"id"`)), bytes.Index(lines[0], []byte(`"timestamp"`)))

	snap := r.Latest()
	require.Equal(t, "lockdown", snap.Mode)
	require.Equal(t, 85, snap.Score)
	require.Equal(t, "203.0.113.7", snap.SrcIP)

	snapData, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	var snapJSON Snapshot
	require.NoError(t, json.Unmarshal(snapData, &snapJSON))
	require.Equal(t, "lockdown", snapJSON.Mode)
}

func TestAppendIsLineBufferedAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "decisions.log")

	r, err := New(logPath, "", nil, nil)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.Append(Entry{Event: "trend_sample", Mode: "normal"})
	}

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	sc := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for sc.Scan() {
		count++
	}
	require.Equal(t, 3, count)
}
