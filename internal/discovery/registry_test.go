package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/ide-bridge/internal/types"
)

func testRecord(port int) Record {
	return Record{
		Port:             port,
		AuthToken:        "token-" + time.Now().Format("150405.000000000"),
		PID:              os.Getpid(),
		CreatedAt:        time.Now().UTC(),
		IDEName:          "zed",
		WorkspaceFolders: []string{"/work/project"},
		Transport:        TransportWebSocket,
		Version:          RecordVersion,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(filepath.Join(t.TempDir(), "ide"), nil)
}

func TestPublishDiscoverRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	rec := testRecord(40123)

	require.NoError(t, reg.Publish(context.Background(), rec))

	got, err := reg.Discover()
	require.NoError(t, err)
	assert.Equal(t, rec.Port, got.Port)
	assert.Equal(t, rec.AuthToken, got.AuthToken)
	assert.Equal(t, rec.PID, got.PID)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, rec.WorkspaceFolders, got.WorkspaceFolders)

	current, ok := reg.Current()
	require.True(t, ok)
	assert.Equal(t, rec.AuthToken, current.AuthToken)
}

func TestPublishFilePermissions(t *testing.T) {
	reg := newTestRegistry(t)
	rec := testRecord(40124)
	require.NoError(t, reg.Publish(context.Background(), rec))

	info, err := os.Stat(filepath.Join(reg.Dir(), rec.FileName()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	dirInfo, err := os.Stat(reg.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(dirMode), dirInfo.Mode().Perm())
}

func TestPublishUsesAgentFieldNames(t *testing.T) {
	reg := newTestRegistry(t)
	rec := testRecord(40125)
	require.NoError(t, reg.Publish(context.Background(), rec))

	data, err := os.ReadFile(filepath.Join(reg.Dir(), rec.FileName()))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"port", "authToken", "pid", "createdAt", "ideName", "workspaceFolders", "transport"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "tokenExpiresAt", "zero expiry should be omitted")
}

func TestPublishRejectsInvalidRecord(t *testing.T) {
	reg := newTestRegistry(t)
	rec := testRecord(0)

	err := reg.Publish(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDiscovery))
}

func TestPublishUnwritableDirectory(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	reg := NewRegistry(filepath.Join(blocker, "ide"), nil)
	err := reg.Publish(context.Background(), testRecord(40126))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDiscovery))
}

func TestPublishReplacesPreviousPort(t *testing.T) {
	reg := newTestRegistry(t)
	first := testRecord(40127)
	second := testRecord(40128)

	require.NoError(t, reg.Publish(context.Background(), first))
	require.NoError(t, reg.Publish(context.Background(), second))

	_, err := os.Stat(filepath.Join(reg.Dir(), first.FileName()))
	assert.True(t, os.IsNotExist(err), "old record should be removed")

	got, err := reg.Discover()
	require.NoError(t, err)
	assert.Equal(t, second.Port, got.Port)
}

func TestWithdraw(t *testing.T) {
	reg := newTestRegistry(t)
	rec := testRecord(40129)
	require.NoError(t, reg.Publish(context.Background(), rec))
	require.NoError(t, reg.Withdraw())

	_, err := reg.Discover()
	assert.ErrorIs(t, err, ErrNoRecord)

	// Withdrawing twice is fine.
	require.NoError(t, reg.Withdraw())
	_, ok := reg.Current()
	assert.False(t, ok)
}

func TestDiscoverMissingDirectory(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestIsStale(t *testing.T) {
	reg := newTestRegistry(t)
	reg.alive = func(pid int) bool { return pid == 100 }
	reg.startTime = func(pid int) (time.Time, bool) {
		return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), true
	}

	live := testRecord(40130)
	live.PID = 100
	live.CreatedAt = time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)

	dead := live
	dead.PID = 200

	reused := live
	reused.CreatedAt = time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)

	invalid := live
	invalid.AuthToken = ""

	assert.False(t, reg.IsStale(live))
	assert.True(t, reg.IsStale(dead), "dead pid")
	assert.True(t, reg.IsStale(reused), "record predates process start")
	assert.True(t, reg.IsStale(invalid), "invalid record")
}

func TestIsStaleLiveProcess(t *testing.T) {
	rec := testRecord(40131)
	assert.False(t, IsStale(rec), "this test process is alive and started before the record")
}

func TestDiscoverPicksFreshestAndPrunesStale(t *testing.T) {
	reg := newTestRegistry(t)
	reg.alive = func(pid int) bool { return pid != 999 }
	reg.startTime = func(int) (time.Time, bool) { return time.Time{}, false }
	require.NoError(t, os.MkdirAll(reg.Dir(), dirMode))

	older := testRecord(40132)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testRecord(40133)
	stale := testRecord(40134)
	stale.PID = 999
	stale.CreatedAt = time.Now().Add(time.Hour)

	for _, rec := range []Record{older, newer, stale} {
		require.NoError(t, writeAtomic(filepath.Join(reg.Dir(), rec.FileName()), rec))
	}
	require.NoError(t, os.WriteFile(filepath.Join(reg.Dir(), "40135.lock"), []byte("{not json"), 0o600))

	got, err := reg.Discover()
	require.NoError(t, err)
	assert.Equal(t, newer.Port, got.Port, "newest valid record wins")

	removed, err := reg.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(reg.Dir(), older.FileName()))
	assert.NoError(t, err, "superseded but live records are not deleted")
	_, err = os.Stat(filepath.Join(reg.Dir(), stale.FileName()))
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentPublishAndRead(t *testing.T) {
	reg := newTestRegistry(t)
	base := testRecord(40140)
	require.NoError(t, reg.Publish(context.Background(), base))
	path := filepath.Join(reg.Dir(), base.FileName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			rec := base
			rec.AuthToken = base.AuthToken + "-" + time.Now().Format("150405.000000000")
			if err := reg.Publish(ctx, rec); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
		cancel()
	}()

	reads := 0
	for ctx.Err() == nil {
		rec, err := Read(path)
		require.NoError(t, err, "reader observed a partial record")
		require.NoError(t, rec.Validate())
		reads++
	}
	wg.Wait()
	assert.Positive(t, reads)
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	rec := testRecord(40150)
	assert.False(t, rec.TokenExpired(now), "zero expiry never expires")

	rec.TokenExpiresAt = now.Add(time.Minute)
	assert.False(t, rec.TokenExpired(now))
	assert.True(t, rec.TokenExpired(now.Add(time.Minute)))
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, a, tokenBytes*2)
	assert.NotEqual(t, a, b)
}

func TestWatchEmitsFreshRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ide")
	watcherReg := NewRegistry(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records, err := watcherReg.Watch(ctx)
	require.NoError(t, err)

	publisher := NewRegistry(dir, nil)
	rec := testRecord(40160)
	require.NoError(t, publisher.Publish(context.Background(), rec))

	select {
	case got := <-records:
		assert.Equal(t, rec.Port, got.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not emit the published record")
	}

	cancel()
	for range records {
	}
}
