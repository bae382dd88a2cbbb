package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCreatesPerThreadFile(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, a.Append(0, Record{InstructionID: 1, Turn: 0, Op: OpMutexLock}))
	require.NoError(t, a.Append(1, Record{InstructionID: 2, Turn: 1, Op: OpMutexUnlock}))
	require.NoError(t, a.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAppendRejectsOversizedExtra(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)
	defer a.Close()

	extra := make([]uint64, MaxExtraArgs+1)
	err = a.Append(0, Record{Op: OpBarrierWait, Extra: extra})
	assert.Error(t, err)
}

func TestFlushWithoutCloseIsDurable(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Append(0, Record{Op: OpForkParent, Turn: 5}))
	require.NoError(t, a.Flush(0))

	path := filepath.Join(dir, "tid-")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	_ = path
}

func TestReinitStartsFreshDirectory(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	a, err := New(dir1)
	require.NoError(t, err)

	require.NoError(t, a.Append(0, Record{Op: OpForkParent}))
	require.NoError(t, a.FlushAll())
	require.NoError(t, a.Reinit(dir2))
	require.NoError(t, a.Append(0, Record{Op: OpForkChild}))
	require.NoError(t, a.Close())

	entries, err := os.ReadDir(dir2)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
