//go:build linux

package shim

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// listenConsoleSocket opens the Unix domain socket the low-level runtime
// connects back to with the PTY master fd.
func listenConsoleSocket(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("resolve console socket address: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on console socket: %w", err)
	}
	return ln, nil
}

// acceptConsoleFD accepts one connection on ln and extracts the PTY master
// file descriptor the runtime sent as SCM_RIGHTS ancillary data.
func acceptConsoleFD(ln *net.UnixListener) (*os.File, error) {
	conn, err := ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept console connection: %w", err)
	}
	defer conn.Close()

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 16)
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("read console fd message: %w", err)
	}
	_ = n

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return os.NewFile(uintptr(fds[0]), "pty-master"), nil
		}
	}
	return nil, fmt.Errorf("no file descriptor received on console socket")
}

// makeRawTerminal switches fd to raw mode, returning the prior termios so
// the caller can restore it. Works on any fd, since the interactive run
// path needs raw mode on the PTY master fd, not the shim process's own
// stdin.
func makeRawTerminal(fd int) (*unix.Termios, error) {
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	newState := *oldState
	newState.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	newState.Oflag &^= unix.OPOST
	newState.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	newState.Cflag &^= unix.CSIZE | unix.PARENB
	newState.Cflag |= unix.CS8
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newState); err != nil {
		return nil, err
	}
	return oldState, nil
}

func restoreTerminal(fd int, state *unix.Termios) {
	if state == nil {
		return
	}
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, state)
}

func setWinsize(f *os.File, rows, cols uint16) error {
	ws := &unix.Winsize{Row: rows, Col: cols}
	return unix.IoctlSetWinsize(int(f.Fd()), unix.TIOCSWINSZ, ws)
}

const stdoutChunkSize = 4096

// pumpInteractive runs the three cooperating tasks an interactive session
// needs — stdin, stdout, wait — coordinated through channels so the caller
// gets a single ordered stream of OutputItems. The stdout pump ending or
// the process exiting stops the stdin pump; the call returns once the
// process has exited and both pumps have stopped.
func pumpInteractive(ctx context.Context, master *os.File, input <-chan StdinItem, output chan<- OutputItem, waitExit func() (int, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-input:
				if !ok {
					return
				}
				if item.Resize != nil {
					_ = setWinsize(master, item.Resize.Rows, item.Resize.Cols)
					continue
				}
				if _, err := master.Write(item.Data); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, stdoutChunkSize)
		for {
			n, err := master.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case output <- OutputItem{Stdout: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	exitCode, waitErr := waitExit()
	cancel()
	wg.Wait()

	output <- OutputItem{Exit: &exitCode}
	return waitErr
}
