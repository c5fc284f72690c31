package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/takeout_downloader/internal/fetch"
	"github.com/italolelis/takeout_downloader/internal/session"
)

// mockProber implements the Prober interface for testing.
type mockProber struct {
	mu       sync.Mutex
	headFunc func(url string) (*fetch.FileInfo, error)
	calls    []string
}

func (m *mockProber) Head(_ context.Context, url, _ string) (*fetch.FileInfo, error) {
	m.mu.Lock()
	m.calls = append(m.calls, url)
	m.mu.Unlock()

	if m.headFunc != nil {
		return m.headFunc(url)
	}

	return &fetch.FileInfo{Size: -1}, nil
}

func testCredential(t *testing.T) *session.Credential {
	t.Helper()

	cred, err := session.CredentialFromCurl(
		`curl 'https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip?j=6b2e9f' -H 'cookie: SID=abc'`,
	)
	require.NoError(t, err)

	return cred
}

func TestReconcileEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	prober := &mockProber{}

	tasks, err := Reconcile(context.Background(), prober, testCredential(t), dir, 5, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	for i, tk := range tasks {
		assert.Equal(t, i+1, tk.Index)
		assert.Equal(t, StatePending, tk.State)
		assert.Equal(t, int64(-1), tk.ExpectedBytes)
		assert.Equal(t, filepath.Join(dir, tk.FileName), tk.LocalPath)
	}

	assert.Equal(t, "takeout-20251204T101148Z-3-003.zip", tasks[2].FileName)

	// Nothing on disk, nothing to probe.
	assert.Empty(t, prober.calls)
}

func TestReconcileMatchingFileIsCompleted(t *testing.T) {
	dir := t.TempDir()
	cred := testCredential(t)

	name := cred.Descriptor.FileName(2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 2048), 0o644))

	prober := &mockProber{headFunc: func(string) (*fetch.FileInfo, error) {
		return &fetch.FileInfo{Size: 2048}, nil
	}}

	tasks, err := Reconcile(context.Background(), prober, cred, dir, 3, 1)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, tasks[1].State)
	assert.Equal(t, int64(2048), tasks[1].ExpectedBytes)
	assert.Equal(t, int64(2048), tasks[1].BytesWritten)

	assert.Equal(t, StatePending, tasks[0].State)
	assert.Equal(t, StatePending, tasks[2].State)

	// Only the file actually on disk gets probed.
	assert.Len(t, prober.calls, 1)
}

func TestReconcileSizeMismatchStaysPending(t *testing.T) {
	dir := t.TempDir()
	cred := testCredential(t)

	name := cred.Descriptor.FileName(1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 100), 0o644))

	prober := &mockProber{headFunc: func(string) (*fetch.FileInfo, error) {
		return &fetch.FileInfo{Size: 2048}, nil
	}}

	tasks, err := Reconcile(context.Background(), prober, cred, dir, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, StatePending, tasks[0].State)
	assert.Equal(t, int64(0), tasks[0].BytesWritten)
}

func TestReconcileUnknownRemoteSizeStaysPending(t *testing.T) {
	dir := t.TempDir()
	cred := testCredential(t)

	name := cred.Descriptor.FileName(1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 100), 0o644))

	// The server declared no length; presence alone never counts as done.
	prober := &mockProber{headFunc: func(string) (*fetch.FileInfo, error) {
		return &fetch.FileInfo{Size: -1}, nil
	}}

	tasks, err := Reconcile(context.Background(), prober, cred, dir, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, StatePending, tasks[0].State)
}

func TestReconcileProbeFailureStaysPending(t *testing.T) {
	dir := t.TempDir()
	cred := testCredential(t)

	name := cred.Descriptor.FileName(1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 100), 0o644))

	prober := &mockProber{headFunc: func(string) (*fetch.FileInfo, error) {
		return nil, errors.New("connection refused")
	}}

	tasks, err := Reconcile(context.Background(), prober, cred, dir, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, StatePending, tasks[0].State)
	assert.Equal(t, int64(0), tasks[0].BytesWritten)
}

func TestReconcileDiscardsStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	cred := testCredential(t)

	tmp := filepath.Join(dir, cred.Descriptor.FileName(1)+fetch.TempSuffix)
	require.NoError(t, os.WriteFile(tmp, make([]byte, 500), 0o644))

	_, err := Reconcile(context.Background(), &mockProber{}, cred, dir, 1, 1)
	require.NoError(t, err)

	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "stale temp file must be removed")
}
