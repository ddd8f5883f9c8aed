package handle

import (
	"os"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileHandle(t *testing.T, throttle time.Duration) (*FileHandle, *os.File) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fh-")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return NewFileHandle(fuseops.InodeID(2), fuseops.HandleID(1), 42, f, throttle), f
}

func TestWriteFDMarksDirtyAndThrottlesNotify(t *testing.T) {
	fh, _ := newTestFileHandle(t, time.Minute)
	assert.False(t, fh.Dirty())

	now := time.Now()
	_, shouldNotify := fh.WriteFD(now)
	assert.True(t, shouldNotify)
	assert.True(t, fh.Dirty())

	fh.RecordNotifyWrite(now)
	_, shouldNotify = fh.WriteFD(now.Add(time.Second))
	assert.False(t, shouldNotify, "second write within the throttle window should not re-notify")

	_, shouldNotify = fh.WriteFD(now.Add(2 * time.Minute))
	assert.True(t, shouldNotify, "a write after the throttle window elapses should notify again")
}

func TestAwaitOpenBlocksUntilMarkOpenComplete(t *testing.T) {
	fh, _ := newTestFileHandle(t, time.Second)

	done := make(chan struct{})
	go func() {
		fh.AwaitOpen()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitOpen returned before MarkOpenComplete was called")
	case <-time.After(20 * time.Millisecond):
	}

	fh.MarkOpenComplete()
	fh.MarkOpenComplete() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitOpen did not unblock after MarkOpenComplete")
	}
}

func TestPwriteThenPreadRoundTrips(t *testing.T) {
	fh, _ := newTestFileHandle(t, time.Minute)

	n, err := fh.Pwrite([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = fh.Pread(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestRefreshAttributesReflectsWrittenSize(t *testing.T) {
	fh, _ := newTestFileHandle(t, time.Minute)
	_, err := fh.Pwrite([]byte("hello world"), 0)
	require.NoError(t, err)

	size, _, err := fh.RefreshAttributes()
	require.NoError(t, err)
	assert.EqualValues(t, 11, size)
}

func TestFsyncSucceedsOnRegularFile(t *testing.T) {
	fh, _ := newTestFileHandle(t, time.Minute)
	_, err := fh.Pwrite([]byte("x"), 0)
	require.NoError(t, err)
	assert.NoError(t, fh.Fsync(false))
	assert.NoError(t, fh.Fsync(true))
}
