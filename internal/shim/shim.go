//go:build linux

package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"ross/internal/cgroups"
	"ross/internal/rerrors"
	"ross/internal/rlog"
	"ross/pkg/fileutil"
	"ross/pkg/idutil"
)

const defaultStopTimeout = 10 * time.Second

// Shim owns every container's bundle directory and drives a single
// low-level runtime binary against it.
type Shim struct {
	root          string
	rt            *runtime
	cgroupManager cgroups.Manager
}

// New opens a Shim rooted at root, invoking runtimeBin (e.g. "runc") for
// every container operation. cgroup stats reading degrades gracefully if
// no cgroup v2 hierarchy is found: Stats then skips every sample and its
// stream carries no values.
func New(root, runtimeBin string) (*Shim, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create shim root: %w", err)
	}
	mgr, err := cgroups.NewManager()
	if err != nil {
		rlog.For("shim").WithError(err).Warn("cgroup stats unavailable")
		mgr = nil
	}
	return &Shim{root: root, rt: newRuntime(runtimeBin), cgroupManager: mgr}, nil
}

func (s *Shim) cgroupPath(id string) string { return filepath.Join("ross", id) }

func (s *Shim) readMetadata(id string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

func (s *Shim) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(s.metadataPath(meta.ID), data, 0o644)
}

// Create generates a fresh id (unless opts.ID is set), builds the bundle,
// applies mounts at bundle/rootfs, writes config.json, and persists
// Created metadata. It does not start the container process.
func (s *Shim) Create(opts CreateOpts, mounts []Mount) (string, error) {
	id := opts.ID
	if id == "" {
		id = idutil.GenerateID()
	}

	if err := s.createBundle(id); err != nil {
		return "", err
	}
	if opts.CgroupsPath == "" {
		opts.CgroupsPath = s.cgroupPath(id)
	}
	if err := applyMounts(s.rootfsDir(id), mounts); err != nil {
		os.RemoveAll(s.containerDir(id))
		return "", fmt.Errorf("apply rootfs mounts: %w", err)
	}

	spec, err := buildSpec(opts)
	if err != nil {
		os.RemoveAll(s.containerDir(id))
		return "", err
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		os.RemoveAll(s.containerDir(id))
		return "", fmt.Errorf("marshal runtime spec: %w", err)
	}
	if err := os.WriteFile(s.configPath(id), data, 0o644); err != nil {
		os.RemoveAll(s.containerDir(id))
		return "", fmt.Errorf("write config.json: %w", err)
	}

	meta := &Metadata{ID: id, State: StateCreated, TTY: opts.TTY, CreatedAt: time.Now()}
	if err := s.writeMetadata(meta); err != nil {
		os.RemoveAll(s.containerDir(id))
		return "", err
	}
	return id, nil
}

// Start invokes the runtime detached, with a pid file and stdout/stderr
// redirected to bundle/{stdout,stderr}.log.
func (s *Shim) Start(id string) error {
	meta, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	if meta.State != StateCreated {
		return fmt.Errorf("%w: container %s is %s, not created", rerrors.ErrInvalidState, id, meta.State)
	}

	stdoutLog, err := openAppendLog(s.stdoutLogPath(id))
	if err != nil {
		return fmt.Errorf("open stdout log: %w", err)
	}
	defer stdoutLog.Close()
	stderrLog, err := openAppendLog(s.stderrLogPath(id))
	if err != nil {
		return fmt.Errorf("open stderr log: %w", err)
	}
	defer stderrLog.Close()

	if err := s.rt.create(id, s.bundleDir(id), s.pidFilePath(id), "", stdoutLog, stderrLog); err != nil {
		return err
	}
	if err := s.rt.start(id); err != nil {
		return err
	}

	pid, err := readPIDFile(s.pidFilePath(id))
	if err != nil {
		return err
	}

	meta.State = StateRunning
	meta.PID = pid
	meta.StartedAt = time.Now()
	return s.writeMetadata(meta)
}

// RunInteractive runs a TTY container: create + start, but via a console
// socket instead of log redirection, pumping stdin/stdout/resize until
// the container exits.
func (s *Shim) RunInteractive(ctx context.Context, opts CreateOpts, mounts []Mount, input <-chan StdinItem, output chan<- OutputItem) (string, error) {
	opts.TTY = true
	id, err := s.Create(opts, mounts)
	if err != nil {
		return "", err
	}

	ln, err := listenConsoleSocket(s.consoleSockPath(id))
	if err != nil {
		return id, err
	}
	defer ln.Close()
	defer os.Remove(s.consoleSockPath(id))

	if err := s.rt.create(id, s.bundleDir(id), s.pidFilePath(id), s.consoleSockPath(id), nil, nil); err != nil {
		return id, err
	}

	master, err := acceptConsoleFD(ln)
	if err != nil {
		return id, err
	}
	defer master.Close()

	oldState, rawErr := makeRawTerminal(int(master.Fd()))
	if rawErr == nil {
		defer restoreTerminal(int(master.Fd()), oldState)
	}

	if err := s.rt.start(id); err != nil {
		return id, err
	}
	pid, err := readPIDFile(s.pidFilePath(id))
	if err != nil {
		return id, err
	}

	meta, err := s.readMetadata(id)
	if err != nil {
		return id, err
	}
	meta.State = StateRunning
	meta.PID = pid
	meta.StartedAt = time.Now()
	if err := s.writeMetadata(meta); err != nil {
		return id, err
	}

	waitExit := func() (int, error) {
		return s.waitProcess(id)
	}
	exitCode, pumpErr := 0, error(nil)
	pumpErr = pumpInteractive(ctx, master, input, output, func() (int, error) {
		code, err := waitExit()
		exitCode = code
		return code, err
	})

	meta.State = StateStopped
	meta.ExitCode = exitCode
	meta.FinishedAt = time.Now()
	meta.PID = 0
	_ = s.writeMetadata(meta)

	return id, pumpErr
}

// waitProcess polls the runtime's own state query until the container
// process is no longer running. It cannot recover the real exit code this
// way — runc's container process is its own child, not this process's, so
// there is no local wait4() to source a status from; a production shim
// instead acts as the subreaper and watches an exit pipe (as
// containerd-shim-runc-v2 does). TODO: plumb exit status through a reaper
// instead of polling "runc state".
func (s *Shim) waitProcess(id string) (int, error) {
	for {
		st, err := s.rt.state(id)
		if err != nil {
			return -1, err
		}
		if st.Status == "stopped" {
			meta, _ := s.readMetadata(id)
			exitCode := 0
			if meta != nil {
				exitCode = meta.ExitCode
			}
			return exitCode, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Stop sends SIGTERM, waits, then SIGKILLs on timeout.
func (s *Shim) Stop(id string, timeout time.Duration) error {
	meta, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	if meta.State != StateRunning {
		return fmt.Errorf("%w: container %s is %s, not running", rerrors.ErrInvalidState, id, meta.State)
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	if err := s.rt.kill(id, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	exitCode := 0
	for {
		st, err := s.rt.state(id)
		if err == nil && st.Status == "stopped" {
			break
		}
		if time.Now().After(deadline) {
			_ = s.rt.kill(id, syscall.SIGKILL)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	meta.State = StateStopped
	meta.ExitCode = exitCode
	meta.FinishedAt = time.Now()
	meta.PID = 0
	return s.writeMetadata(meta)
}

// Pause and Unpause delegate straight to the runtime's own freeze/thaw
// (cgroup freezer) support.
func (s *Shim) Pause(id string) error {
	meta, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	if meta.State != StateRunning {
		return fmt.Errorf("%w: container %s is %s, not running", rerrors.ErrInvalidState, id, meta.State)
	}
	if _, _, err := s.rt.run("pause", id); err != nil {
		return err
	}
	meta.State = StatePaused
	return s.writeMetadata(meta)
}

func (s *Shim) Unpause(id string) error {
	meta, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	if meta.State != StatePaused {
		return fmt.Errorf("%w: container %s is %s, not paused", rerrors.ErrInvalidState, id, meta.State)
	}
	if _, _, err := s.rt.run("resume", id); err != nil {
		return err
	}
	meta.State = StateRunning
	return s.writeMetadata(meta)
}

func (s *Shim) Kill(id string, sig syscall.Signal) error {
	meta, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	if meta.State != StateRunning && meta.State != StatePaused {
		return fmt.Errorf("%w: container %s is %s", rerrors.ErrInvalidState, id, meta.State)
	}
	return s.rt.kill(id, sig)
}

// Delete refuses a running container unless force, otherwise stops it,
// tells the runtime to forget it, unmounts the bundle rootfs, and removes
// the container directory.
func (s *Shim) Delete(id string, force bool) error {
	meta, err := s.readMetadata(id)
	if err != nil {
		return err
	}
	if meta.State == StateRunning && !force {
		return fmt.Errorf("%w: %s", rerrors.ErrContainerRunning, id)
	}
	if meta.State == StateRunning {
		if err := s.Stop(id, defaultStopTimeout); err != nil {
			rlog.For("shim").WithError(err).Warn("stop before force-delete")
		}
	}

	_ = s.rt.delete(id, force)
	_ = unmountBundle(s.rootfsDir(id))
	if s.cgroupManager != nil {
		_ = s.cgroupManager.Destroy(s.cgroupPath(id))
	}
	return os.RemoveAll(s.containerDir(id))
}

// Inspect returns id's current metadata.
func (s *Shim) Inspect(id string) (Metadata, error) {
	meta, err := s.readMetadata(id)
	if err != nil {
		return Metadata{}, err
	}
	return *meta, nil
}

// List returns every container's metadata.
func (s *Shim) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readMetadata(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *meta)
	}
	return out, nil
}

// Wait blocks until id reaches a terminal state, returning its exit code.
func (s *Shim) Wait(ctx context.Context, id string) (int, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			meta, err := s.readMetadata(id)
			if err != nil {
				return -1, err
			}
			if meta.State == StateStopped || meta.State == StateDeleted {
				return meta.ExitCode, nil
			}
		}
	}
}
