//go:build !linux

package shim

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"
)

func unsupported() error {
	return fmt.Errorf("shim is only supported on Linux (current: %s)", runtime.GOOS)
}

// Shim is a non-functional stub on non-Linux hosts: runtime-spec bundles,
// mount(2), and cgroup v2 are all Linux-specific.
type Shim struct{}

func New(root, runtimeBin string) (*Shim, error) { return nil, unsupported() }

func (s *Shim) Create(opts CreateOpts, mounts []Mount) (string, error) { return "", unsupported() }
func (s *Shim) Start(id string) error                                 { return unsupported() }
func (s *Shim) RunInteractive(ctx context.Context, opts CreateOpts, mounts []Mount, input <-chan StdinItem, output chan<- OutputItem) (string, error) {
	return "", unsupported()
}
func (s *Shim) Stop(id string, timeout time.Duration) error         { return unsupported() }
func (s *Shim) Pause(id string) error                               { return unsupported() }
func (s *Shim) Unpause(id string) error                             { return unsupported() }
func (s *Shim) Kill(id string, sig syscall.Signal) error             { return unsupported() }
func (s *Shim) Delete(id string, force bool) error                  { return unsupported() }
func (s *Shim) Inspect(id string) (Metadata, error)                 { return Metadata{}, unsupported() }
func (s *Shim) List() ([]Metadata, error)                           { return nil, unsupported() }
func (s *Shim) Wait(ctx context.Context, id string) (int, error)    { return -1, unsupported() }
func (s *Shim) Logs(ctx context.Context, id string, follow bool) (<-chan LogEntry, error) {
	return nil, unsupported()
}
func (s *Shim) Stats(ctx context.Context, id string) (<-chan Stats, error) {
	return nil, unsupported()
}
