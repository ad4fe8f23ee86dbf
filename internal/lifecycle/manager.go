package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ross/internal/rerrors"
	"ross/internal/rlog"
	"ross/internal/store"
	"ross/pkg/fileutil"
)

const recordFileName = "container.json"

// New opens a Manager rooted at root, rebuilding its in-memory index from
// the on-disk records under root — the same "rebuild from disk, don't trust
// memory across restarts" rule the Store's tags and the Snapshotter's
// index follow.
func New(root string, contentStore *store.Store, snapshotter Snapshotter, sh Shim) (*Manager, error) {
	if err := fileutil.EnsureDir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lifecycle root: %w", err)
	}
	m := &Manager{
		root:        root,
		store:       contentStore,
		snapshotter: snapshotter,
		shim:        sh,
		containers:  map[string]*Record{},
		names:       map[string]string{},
	}
	if err := m.rebuild(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.root, id, recordFileName)
}

func (m *Manager) containerDir(id string) string {
	return filepath.Join(m.root, id)
}

func (m *Manager) writeRecord(r *Record) error {
	if err := fileutil.EnsureDir(m.containerDir(r.ID), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container record: %w", err)
	}
	return fileutil.AtomicWriteFile(m.recordPath(r.ID), data, 0o644)
}

func (m *Manager) rebuild() error {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lifecycle root: %w", err)
	}

	log := rlog.For("lifecycle")
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		data, err := os.ReadFile(m.recordPath(id))
		if err != nil {
			log.WithField("id", id).WithError(err).Warn("skipping container without a readable record")
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.WithField("id", id).WithError(err).Warn("skipping container with a corrupt record")
			continue
		}
		m.containers[rec.ID] = &rec
		if rec.Name != "" {
			m.names[rec.Name] = rec.ID
		}
	}
	return nil
}

// resolveLocked looks an id or name up in the in-memory index, without taking the
// lock itself — callers hold m.mu.
func (m *Manager) resolveLocked(idOrName string) (*Record, error) {
	if rec, ok := m.containers[idOrName]; ok {
		return rec, nil
	}
	if id, ok := m.names[idOrName]; ok {
		if rec, ok := m.containers[id]; ok {
			return rec, nil
		}
	}
	return nil, rerrors.ErrContainerNotFound
}

// Resolve looks up a container by id or name.
func (m *Manager) Resolve(idOrName string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.resolveLocked(idOrName)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}
