package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"ross/internal/rerrors"
	"ross/internal/shim"
	"ross/pkg/idutil"
)

// transition centralizes the from-state check at the lifecycle layer, on
// top of (not replacing) the Shim's own per-method checks: it fetches
// current Metadata, verifies it is in one of allowedFrom,
// then runs do. Shim re-validates independently, so a race between the
// check here and the Shim's own mutation is safe, just potentially reported
// as the Shim's error instead of this one.
func (m *Manager) transition(id string, allowedFrom []shim.State, do func() error) (shim.Metadata, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return shim.Metadata{}, err
	}

	meta, err := m.shim.Inspect(rec.ID)
	if err != nil {
		return shim.Metadata{}, fmt.Errorf("inspect container: %w", err)
	}

	ok := false
	for _, s := range allowedFrom {
		if meta.State == s {
			ok = true
			break
		}
	}
	if !ok {
		return meta, fmt.Errorf("%w: container %s is %s", rerrors.ErrInvalidState, idutil.ShortID(rec.ID), meta.State)
	}

	if err := do(); err != nil {
		return meta, err
	}
	return m.shim.Inspect(rec.ID)
}

// Start transitions a Created container to Running.
func (m *Manager) Start(id string) (shim.Metadata, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return shim.Metadata{}, err
	}
	return m.transition(id, []shim.State{shim.StateCreated}, func() error {
		return m.shim.Start(rec.ID)
	})
}

// Stop transitions a Running container to Stopped: SIGTERM then SIGKILL
// after timeout.
func (m *Manager) Stop(id string, timeout time.Duration) (shim.Metadata, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return shim.Metadata{}, err
	}
	return m.transition(id, []shim.State{shim.StateRunning, shim.StatePaused}, func() error {
		return m.shim.Stop(rec.ID, timeout)
	})
}

// Pause transitions a Running container to Paused.
func (m *Manager) Pause(id string) (shim.Metadata, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return shim.Metadata{}, err
	}
	return m.transition(id, []shim.State{shim.StateRunning}, func() error {
		return m.shim.Pause(rec.ID)
	})
}

// Unpause transitions a Paused container back to Running.
func (m *Manager) Unpause(id string) (shim.Metadata, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return shim.Metadata{}, err
	}
	return m.transition(id, []shim.State{shim.StatePaused}, func() error {
		return m.shim.Unpause(rec.ID)
	})
}

// Kill sends sig to a Running or Paused container without changing its
// recorded state machine transition the way Stop does (the process's own
// exit, observed asynchronously, is what moves it to Stopped).
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	rec, err := m.Resolve(id)
	if err != nil {
		return err
	}
	meta, err := m.shim.Inspect(rec.ID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	if meta.State != shim.StateRunning && meta.State != shim.StatePaused {
		return fmt.Errorf("%w: container %s is %s", rerrors.ErrInvalidState, idutil.ShortID(rec.ID), meta.State)
	}
	return m.shim.Kill(rec.ID, sig)
}

// Restart stops then starts a container, a convenience composition rather
// than its own Shim primitive. A container that is already stopped is
// simply started.
func (m *Manager) Restart(id string, timeout time.Duration) (shim.Metadata, error) {
	if _, err := m.Stop(id, timeout); err != nil && !errors.Is(err, rerrors.ErrInvalidState) {
		return shim.Metadata{}, err
	}
	return m.Start(id)
}

// Rename changes a container's user-visible name, validating uniqueness
// exactly as Create does.
func (m *Manager) Rename(id, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.resolveLocked(id)
	if err != nil {
		return err
	}
	if newName != "" {
		if existing, ok := m.names[newName]; ok && existing != rec.ID {
			return fmt.Errorf("container name %q already in use", newName)
		}
	}

	oldName := rec.Name
	rec.Name = newName
	if err := m.writeRecord(rec); err != nil {
		rec.Name = oldName
		return err
	}
	if oldName != "" {
		delete(m.names, oldName)
	}
	if newName != "" {
		m.names[newName] = rec.ID
	}
	return nil
}

// Inspect returns the merged identity + live state view of one container.
func (m *Manager) Inspect(id string) (Info, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return Info{}, err
	}
	meta, err := m.shim.Inspect(rec.ID)
	if err != nil {
		return Info{}, fmt.Errorf("inspect container: %w", err)
	}
	return Info{Record: rec, Metadata: meta}, nil
}

// List returns every known container's merged identity + live state view.
func (m *Manager) List() ([]Info, error) {
	m.mu.RLock()
	recs := make([]Record, 0, len(m.containers))
	for _, rec := range m.containers {
		recs = append(recs, *rec)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(recs))
	for _, rec := range recs {
		meta, err := m.shim.Inspect(rec.ID)
		if err != nil {
			continue // container record survives even if the Shim side vanished
		}
		infos = append(infos, Info{Record: rec, Metadata: meta})
	}
	return infos, nil
}

// Wait blocks until a container exits.
func (m *Manager) Wait(ctx context.Context, id string) (int, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return 0, err
	}
	return m.shim.Wait(ctx, rec.ID)
}

// Logs streams a container's interleaved stdout/stderr log.
func (m *Manager) Logs(ctx context.Context, id string, follow bool) (<-chan shim.LogEntry, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return nil, err
	}
	return m.shim.Logs(ctx, rec.ID, follow)
}

// Stats streams cgroup-sourced resource usage samples.
func (m *Manager) Stats(ctx context.Context, id string) (<-chan shim.Stats, error) {
	rec, err := m.Resolve(id)
	if err != nil {
		return nil, err
	}
	return m.shim.Stats(ctx, rec.ID)
}

// RunInteractive creates a container plus an attached TTY session in one
// call, tearing the container back down if creation succeeds but the
// session itself fails to start.
func (m *Manager) RunInteractive(ctx context.Context, params CreateParams, input <-chan shim.StdinItem, output chan<- shim.OutputItem) (Record, error) {
	params.TTY = true
	p, err := m.prepare(params)
	if err != nil {
		return Record{}, err
	}

	if _, err := m.shim.RunInteractive(ctx, p.opts, p.mounts, input, output); err != nil {
		_ = m.snapshotter.Remove(p.id)
		return Record{}, err
	}

	if err := m.register(p.rec); err != nil {
		_ = m.shim.Delete(p.id, true)
		_ = m.snapshotter.Remove(p.id)
		return Record{}, err
	}

	return *p.rec, nil
}

// Remove deletes the Shim's bundle and cgroup, the snapshot, and this
// manager's own record. removeVolumes is accepted for interface symmetry
// with a CLI surface but is currently a no-op: named volumes aren't part
// of this runtime's scope.
func (m *Manager) Remove(id string, force bool, removeVolumes bool) error {
	m.mu.Lock()
	rec, err := m.resolveLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	meta, err := m.shim.Inspect(rec.ID)
	if err == nil && meta.State == shim.StateRunning && !force {
		return fmt.Errorf("%w: container %s is running", rerrors.ErrContainerRunning, idutil.ShortID(rec.ID))
	}

	if err := m.shim.Delete(rec.ID, force); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	if err := m.snapshotter.Remove(rec.SnapshotKey); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	if err := os.RemoveAll(m.containerDir(rec.ID)); err != nil {
		return fmt.Errorf("remove container record: %w", err)
	}

	m.mu.Lock()
	delete(m.containers, rec.ID)
	if rec.Name != "" {
		delete(m.names, rec.Name)
	}
	m.mu.Unlock()

	return nil
}
