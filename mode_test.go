package cabinet

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeValidate(t *testing.T) {
	assert.NoError(t, Reader.Validate())
	assert.NoError(t, (Writer | Create | Truncate).Validate())
	assert.ErrorIs(t, Mode(0).Validate(), ErrConfig)
	assert.ErrorIs(t, NoLock.Validate(), ErrConfig)
	assert.ErrorIs(t, (Reader | Create).Validate(), ErrConfig)

	assert.Equal(t, os.O_RDONLY, Reader.FileFlags())
	assert.Equal(t, os.O_RDWR|os.O_CREATE|os.O_TRUNC, (Writer | Create | Truncate).FileFlags())

	assert.Equal(t, "none", Mode(0).String())
	assert.Equal(t, "writer|create|locknb", (Writer | Create | LockNonBlocking).String())
}

func TestTuneOpts(t *testing.T) {
	assert.NoError(t, TuneOpts(0).Validate())
	assert.NoError(t, (TLarge | TDeflate).Validate())
	assert.ErrorIs(t, (TDeflate | TBzip).Validate(), ErrConfig)
	assert.ErrorIs(t, TuneOpts(0x80).Validate(), ErrConfig)
}

func TestFileKindString(t *testing.T) {
	assert.Equal(t, "hash", KindHash.String())
	assert.Equal(t, "table+btree", KindTableBTree.String())
	assert.Equal(t, "FileKind(0)", KindInvalid.String())
}

func TestLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w, err := LockFile(path, Writer)
	require.NoError(t, err)

	_, err = LockFile(path, Reader|LockNonBlocking)
	assert.ErrorIs(t, err, ErrLocked)
	_, err = LockFile(path, Writer|LockNonBlocking)
	assert.ErrorIs(t, err, ErrLocked)

	nl, err := LockFile(path, Writer|NoLock)
	require.NoError(t, err)
	require.NoError(t, nl.Unlock())

	require.NoError(t, w.Unlock())
	require.NoError(t, w.Unlock())

	r1, err := LockFile(path, Reader|LockNonBlocking)
	require.NoError(t, err)
	r2, err := LockFile(path, Reader|LockNonBlocking)
	require.NoError(t, err)
	_, err = LockFile(path, Writer|LockNonBlocking)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, r1.Unlock())
	require.NoError(t, r2.Unlock())
}

func TestGuard(t *testing.T) {
	var g Guard
	assert.False(t, g.Enabled())
	g.Lock()()

	g.Enable()
	assert.True(t, g.Enabled())

	var wg sync.WaitGroup
	n := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				func() {
					defer g.Lock()()
					n++
				}()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, n)
}
