//go:build linux

package shim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitNewLinesReadsFromOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out := make(chan LogEntry, 8)
	offset := emitNewLines(out, f, 0, "stdout")
	close(out)

	var lines []string
	for entry := range out {
		lines = append(lines, string(entry.Bytes))
	}
	assert.Equal(t, []string{"line one\n", "line two\n"}, lines)
	assert.EqualValues(t, len("line one\nline two\n"), offset)
}

func TestEmitNewLinesResumesFromPriorOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out := make(chan LogEntry, 8)
	offset := emitNewLines(out, f, 0, "stdout")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	offset = emitNewLines(out, f, offset, "stdout")
	close(out)

	var lines []string
	for entry := range out {
		lines = append(lines, string(entry.Bytes))
	}
	assert.Equal(t, []string{"line one\n", "line two\n"}, lines)
	assert.EqualValues(t, len("line one\nline two\n"), offset)
}

func TestEmitNewLinesResetsOnTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("aaaaaaaaaa\n"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o644))

	out := make(chan LogEntry, 8)
	offset := emitNewLines(out, f, 11, "stdout")
	close(out)

	var lines []string
	for entry := range out {
		lines = append(lines, string(entry.Bytes))
	}
	assert.Equal(t, []string{"new\n"}, lines)
	assert.EqualValues(t, 4, offset)
}

func TestOpenAppendLogCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "stderr.log")
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := openAppendLog(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hello\n")
	require.NoError(t, err)
}
