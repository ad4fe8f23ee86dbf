//go:build linux

package shim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// runtime invokes a low-level OCI runtime binary (runc or compatible) as a
// child process via os/exec, driving an external binary instead of a
// hand-rolled clone().
type runtime struct {
	bin string
}

func newRuntime(bin string) *runtime {
	if bin == "" {
		bin = "runc"
	}
	return &runtime{bin: bin}
}

type runcState struct {
	ID     string `json:"id"`
	Pid    int    `json:"pid"`
	Status string `json:"status"`
}

func (r *runtime) run(args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.Command(r.bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	if err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("%s %s: %w: %s", r.bin, strings.Join(args, " "), err, errBuf.String())
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// create invokes "runc create", leaving the container process stopped at
// its initial barrier until start is called.
func (r *runtime) create(id, bundleDir, pidFile, consoleSocket string, stdoutLog, stderrLog *os.File) error {
	args := []string{"create", "--bundle", bundleDir, "--pid-file", pidFile}
	if consoleSocket != "" {
		args = append(args, "--console-socket", consoleSocket)
	}
	args = append(args, id)

	cmd := exec.Command(r.bin, args...)
	if stdoutLog != nil {
		cmd.Stdout = stdoutLog
	}
	if stderrLog != nil {
		cmd.Stderr = stderrLog
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runc create: %w", err)
	}
	return nil
}

func (r *runtime) start(id string) error {
	_, _, err := r.run("start", id)
	return err
}

func (r *runtime) kill(id string, sig syscall.Signal) error {
	_, _, err := r.run("kill", id, strconv.Itoa(int(sig)))
	return err
}

func (r *runtime) delete(id string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)
	_, _, err := r.run(args...)
	return err
}

func (r *runtime) state(id string) (*runcState, error) {
	out, _, err := r.run("state", id)
	if err != nil {
		return nil, err
	}
	var st runcState
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("parse runc state output: %w", err)
	}
	return &st, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether pid still exists, by sending it signal 0.
// Nothing in the package calls it.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
