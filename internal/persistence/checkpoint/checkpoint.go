// Package checkpoint persists and restores the authoritative
// simulation state as versioned, zstd-compressed JSON files.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/graph"
)

const formatVersion = 1

type Header struct {
	Version int    `json:"version"`
	SimID   string `json:"sim_id"`
	Tick    uint64 `json:"tick"`
}

type CheckpointV1 struct {
	Header Header `json:"header"`

	SimTimeUnix int64 `json:"sim_time_unix"`

	Nodes  []graph.Node   `json:"nodes"`
	Edges  []graph.Edge   `json:"edges,omitempty"`
	Agents []agent.Agent  `json:"agents"`
	Owners map[string]int `json:"owners,omitempty"`
}

type Store struct {
	dir  string
	keep int
}

// NewStore writes checkpoints under dir, pruning to the newest keep
// files. keep < 1 disables pruning.
func NewStore(dir string, keep int) *Store {
	return &Store{dir: dir, keep: keep}
}

func (s *Store) Save(cp CheckpointV1) (string, error) {
	cp.Header.Version = formatVersion
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("checkpoint_%012d.json.zst", cp.Header.Tick))
	tmp := path + ".tmp"

	if err := writeFile(tmp, cp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("checkpoint %d: %w", cp.Header.Tick, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("checkpoint %d: %w", cp.Header.Tick, err)
	}
	s.prune()
	return path, nil
}

func writeFile(path string, cp CheckpointV1) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	if err := json.NewEncoder(bw).Encode(cp); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func Load(path string) (CheckpointV1, error) {
	var cp CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	defer dec.Close()
	if err := json.NewDecoder(bufio.NewReader(dec)).Decode(&cp); err != nil {
		return cp, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if cp.Header.Version != formatVersion {
		return cp, fmt.Errorf("checkpoint %s: unsupported version %d", path, cp.Header.Version)
	}
	return cp, nil
}

// LoadLatest restores the newest readable checkpoint. A corrupt newest
// file falls back to the next-newest instead of failing recovery.
// os.ErrNotExist is returned when no checkpoint exists at all.
func (s *Store) LoadLatest() (CheckpointV1, string, error) {
	paths, err := s.list()
	if err != nil {
		return CheckpointV1{}, "", err
	}
	if len(paths) == 0 {
		return CheckpointV1{}, "", os.ErrNotExist
	}
	var lastErr error
	for i := len(paths) - 1; i >= 0; i-- {
		cp, err := Load(paths[i])
		if err == nil {
			return cp, paths[i], nil
		}
		lastErr = err
	}
	return CheckpointV1{}, "", fmt.Errorf("no readable checkpoint: %w", lastErr)
}

// list returns checkpoint paths sorted oldest-first. The zero-padded
// tick in the name makes lexical order chronological.
func (s *Store) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "checkpoint_*.json.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *Store) prune() {
	if s.keep < 1 {
		return
	}
	paths, err := s.list()
	if err != nil {
		return
	}
	for len(paths) > s.keep {
		_ = os.Remove(paths[0])
		paths = paths[1:]
	}
}
