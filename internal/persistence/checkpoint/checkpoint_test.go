package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/graph"
)

func sample(tick uint64) CheckpointV1 {
	return CheckpointV1{
		Header:      Header{SimID: "sim_1", Tick: tick},
		SimTimeUnix: 1_700_000_000,
		Nodes: []graph.Node{
			{ID: "L1", Zone: "north", Subzone: "a", Attrs: map[string]float64{"capacity": 4}},
			{ID: "L2", Zone: "south"},
		},
		Edges:  []graph.Edge{{From: "L1", To: "L2", Weight: 2}},
		Agents: []agent.Agent{{ID: "a1", Location: "L1", Blob: json.RawMessage(`{"energy":0.7}`)}},
		Owners: map[string]int{"L1": 0, "L2": 1},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), 0)
	path, err := s.Save(sample(42))
	require.NoError(t, err)

	cp, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(42), cp.Header.Tick)
	require.Equal(t, "sim_1", cp.Header.SimID)
	require.Len(t, cp.Nodes, 2)
	require.Len(t, cp.Agents, 1)
	require.Equal(t, 0, cp.Owners["L1"])
	require.JSONEq(t, `{"energy":0.7}`, string(cp.Agents[0].Blob))
}

func TestLoadLatest_PicksNewest(t *testing.T) {
	s := NewStore(t.TempDir(), 0)
	for _, tick := range []uint64{10, 300, 20} {
		_, err := s.Save(sample(tick))
		require.NoError(t, err)
	}
	cp, _, err := s.LoadLatest()
	require.NoError(t, err)
	require.Equal(t, uint64(300), cp.Header.Tick)
}

func TestLoadLatest_CorruptNewestFallsBack(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0)
	_, err := s.Save(sample(10))
	require.NoError(t, err)
	_, err = s.Save(sample(20))
	require.NoError(t, err)

	// Corrupt the newest file in place.
	newest := filepath.Join(dir, "checkpoint_000000000020.json.zst")
	require.NoError(t, os.WriteFile(newest, []byte("not zstd"), 0o644))

	cp, path, err := s.LoadLatest()
	require.NoError(t, err)
	require.Equal(t, uint64(10), cp.Header.Tick)
	require.Contains(t, path, "checkpoint_000000000010")
}

func TestLoadLatest_EmptyDirIsNotExist(t *testing.T) {
	s := NewStore(t.TempDir(), 0)
	_, _, err := s.LoadLatest()
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSave_PrunesToKeep(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 2)
	for tick := uint64(1); tick <= 5; tick++ {
		_, err := s.Save(sample(tick))
		require.NoError(t, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint_*.json.zst"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Contains(t, matches[0], "checkpoint_000000000004")
	require.Contains(t, matches[1], "checkpoint_000000000005")
}
