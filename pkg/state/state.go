// Package state persists task contexts and checkpoints so a task can resume
// where a previous run stopped.
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"GameHelper/internal/core"
)

// Store is a core.Store that owns resources and can list a task's checkpoints.
type Store interface {
	core.Store
	Checkpoints(ctx context.Context, taskID string) ([]core.Checkpoint, error)
	Close() error
}

// Options selects and configures a Store.
type Options struct {
	Driver    string // memory, file, redis, postgres
	Path      string // file: markdown state file
	Addr      string // redis: host:port
	DSN       string // postgres: connection string
	KeyPrefix string // redis key prefix / postgres table prefix
}

// Open creates the store selected by opts.Driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if opts.Path == "" {
			return nil, fmt.Errorf("file store requires a path")
		}
		return NewFileStore(opts.Path, logger)
	case "redis":
		return NewRedisStore(ctx, opts.Addr, opts.KeyPrefix)
	case "postgres":
		return NewPostgresStore(ctx, opts.DSN, opts.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// FileStore keeps contexts and checkpoints in an append-only markdown file.
// Each save appends a line; on load the last line for a task wins.
//
//	- [ctx] "<taskID>" | State: <state> | Data: <snapshot json>
//	- [cp] "<taskID>" | Name: "<checkpoint>" | Data: <checkpoint json>
//
// Ids and names are Go-quoted so separators and newlines inside them survive a reload.
type FileStore struct {
	mu          sync.Mutex
	stateFile   string
	logger      *slog.Logger
	contexts    map[string]core.ContextSnapshot
	checkpoints map[string][]core.Checkpoint
	fileHandle  *os.File
	writer      *bufio.Writer
}

var (
	contextPattern    = regexp.MustCompile(`^\s*-\s+\[ctx\]\s+("(?:[^"\\]|\\.)*"|.+?)\s*\|\s*State:\s*(\S+)\s*\|\s*Data:\s*(\{.*\})\s*$`)
	checkpointPattern = regexp.MustCompile(`^\s*-\s+\[cp\]\s+("(?:[^"\\]|\\.)*"|.+?)\s*\|\s*Name:\s*("(?:[^"\\]|\\.)*"|.*?)\s*\|\s*Data:\s*(\{.*\})\s*$`)
)

// NewFileStore opens (or creates) the state file and loads existing entries.
func NewFileStore(stateFile string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fs := &FileStore{
		stateFile:   stateFile,
		logger:      logger,
		contexts:    make(map[string]core.ContextSnapshot),
		checkpoints: make(map[string][]core.Checkpoint),
	}

	if err := fs.loadState(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	if dir := filepath.Dir(stateFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	var err error
	fs.fileHandle, err = os.OpenFile(stateFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	fs.writer = bufio.NewWriter(fs.fileHandle)

	return fs, nil
}

// loadState parses the markdown file and populates the maps
func (fs *FileStore) loadState() error {
	startTime := time.Now()

	file, err := os.Open(fs.stateFile)
	if os.IsNotExist(err) {
		return nil // File doesn't exist yet, that's okay
	}
	if err != nil {
		return err
	}
	defer file.Close()

	lineCount, skipped := 0, 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if matches := contextPattern.FindStringSubmatch(line); matches != nil {
			var snap core.ContextSnapshot
			if err := json.Unmarshal([]byte(matches[3]), &snap); err != nil {
				skipped++
				continue
			}
			fs.contexts[unquoteField(matches[1])] = snap
			continue
		}

		if matches := checkpointPattern.FindStringSubmatch(line); matches != nil {
			var cp core.Checkpoint
			if err := json.Unmarshal([]byte(matches[3]), &cp); err != nil {
				skipped++
				continue
			}
			taskID := unquoteField(matches[1])
			fs.checkpoints[taskID] = append(fs.checkpoints[taskID], cp)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	fs.logger.Info("[FileStore] loadState: loaded state",
		"file", filepath.Base(fs.stateFile),
		"lines", lineCount,
		"contexts", len(fs.contexts),
		"skipped", skipped,
		"elapsed", time.Since(startTime))
	return nil
}

// unquoteField accepts both quoted fields and the bare form of older files.
func unquoteField(field string) string {
	if strings.HasPrefix(field, `"`) {
		if v, err := strconv.Unquote(field); err == nil {
			return v
		}
	}
	return field
}

// SaveContext appends the snapshot and flushes.
func (fs *FileStore) SaveContext(_ context.Context, snap core.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode context %s: %w", snap.TaskID, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.contexts[snap.TaskID] = snap
	line := fmt.Sprintf("- [ctx] %q | State: %s | Data: %s\n", snap.TaskID, snap.State, data)
	if _, err := fs.writer.WriteString(line); err != nil {
		return fmt.Errorf("failed to write context to state file: %w", err)
	}
	return fs.writer.Flush()
}

// SaveCheckpoint appends the checkpoint and flushes.
func (fs *FileStore) SaveCheckpoint(_ context.Context, taskID string, cp core.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s/%s: %w", taskID, cp.Name, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.checkpoints[taskID] = append(fs.checkpoints[taskID], cp)
	line := fmt.Sprintf("- [cp] %q | Name: %q | Data: %s\n", taskID, cp.Name, data)
	if _, err := fs.writer.WriteString(line); err != nil {
		return fmt.Errorf("failed to write checkpoint to state file: %w", err)
	}
	return fs.writer.Flush()
}

func (fs *FileStore) LoadContext(_ context.Context, taskID string) (core.ContextSnapshot, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	snap, ok := fs.contexts[taskID]
	return snap, ok, nil
}

func (fs *FileStore) LatestCheckpoint(_ context.Context, taskID string) (core.Checkpoint, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cps := fs.checkpoints[taskID]
	if len(cps) == 0 {
		return core.Checkpoint{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

// Checkpoints returns a copy of every checkpoint recorded for taskID, oldest first.
func (fs *FileStore) Checkpoints(_ context.Context, taskID string) ([]core.Checkpoint, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]core.Checkpoint(nil), fs.checkpoints[taskID]...), nil
}

// GetStats returns the number of tasks with a stored context
func (fs *FileStore) GetStats() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.contexts)
}

// Close flushes and closes the state file
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.writer.Flush(); err != nil {
		return err
	}
	return fs.fileHandle.Close()
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	contexts    map[string]core.ContextSnapshot
	checkpoints map[string][]core.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts:    make(map[string]core.ContextSnapshot),
		checkpoints: make(map[string][]core.Checkpoint),
	}
}

func (m *MemoryStore) SaveContext(_ context.Context, snap core.ContextSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[snap.TaskID] = snap
	return nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, taskID string, cp core.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[taskID] = append(m.checkpoints[taskID], cp)
	return nil
}

func (m *MemoryStore) LoadContext(_ context.Context, taskID string) (core.ContextSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.contexts[taskID]
	return snap, ok, nil
}

func (m *MemoryStore) LatestCheckpoint(_ context.Context, taskID string) (core.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[taskID]
	if len(cps) == 0 {
		return core.Checkpoint{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

func (m *MemoryStore) Checkpoints(_ context.Context, taskID string) ([]core.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Checkpoint(nil), m.checkpoints[taskID]...), nil
}

func (m *MemoryStore) Close() error { return nil }
