package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
)

func testSignal(id string) *models.Signal {
	now := time.Now()
	return &models.Signal{
		Version:         models.SignalVersion,
		ID:              id,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Minute),
		FlashProviderID: "balancer",
		MEVPolicy:       "PRIVATE",
	}
}

func newTestFSBus(t *testing.T, root string) *FilesystemBus {
	t.Helper()
	fsb, err := NewFilesystemBus(logger.New("test"), root)
	require.NoError(t, err)
	return fsb
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

func TestFilesystemBusFIFO(t *testing.T) {
	root := t.TempDir()
	fsb := newTestFSBus(t, root)
	ctx := context.Background()

	ids := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}
	for _, id := range ids {
		require.NoError(t, fsb.Emit(ctx, testSignal(id)))
	}

	for _, want := range ids {
		got, err := fsb.Consume(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}

	_, err := fsb.Consume(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFilesystemBusCrashRecovery(t *testing.T) {
	root := t.TempDir()
	producer := newTestFSBus(t, root)
	ctx := context.Background()

	s1, s2, s3 := testSignal(uuid.New().String()), testSignal(uuid.New().String()), testSignal(uuid.New().String())
	for _, s := range []*models.Signal{s1, s2, s3} {
		require.NoError(t, producer.Emit(ctx, s))
	}

	// first consumer takes s1 and crashes before touching s2
	consumer := newTestFSBus(t, root)
	got, err := consumer.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	// a fresh consumer after the crash sees s2 and s3 exactly once
	restarted := newTestFSBus(t, root)
	got, err = restarted.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, s2.ID, got.ID)

	got, err = restarted.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, s3.ID, got.ID)

	_, err = restarted.Consume(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	// union(outgoing, processed) holds every signal exactly once
	assert.Equal(t, 0, countFiles(t, filepath.Join(root, outgoingDir)))
	assert.Equal(t, 3, countFiles(t, filepath.Join(root, processedDir)))
}

func TestFilesystemBusTakenBeforeParse(t *testing.T) {
	root := t.TempDir()
	fsb := newTestFSBus(t, root)
	ctx := context.Background()

	require.NoError(t, fsb.Emit(ctx, testSignal(uuid.New().String())))

	_, err := fsb.Consume(ctx)
	require.NoError(t, err)

	// the consumed file lives in processed/, so a crash mid-processing can
	// never cause redelivery
	assert.Equal(t, 0, countFiles(t, filepath.Join(root, outgoingDir)))
	assert.Equal(t, 1, countFiles(t, filepath.Join(root, processedDir)))
}

func TestFilesystemBusSkipsUndecodablePayload(t *testing.T) {
	root := t.TempDir()
	fsb := newTestFSBus(t, root)
	ctx := context.Background()

	// a signal from some future producer version
	bad := filepath.Join(root, outgoingDir, "00000000000000000000000000.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version": 99, "id": "zz"}`), 0o644))

	good := testSignal(uuid.New().String())
	require.NoError(t, fsb.Emit(ctx, good))

	got, err := fsb.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, good.ID, got.ID)

	// the rejected payload was quarantined into processed/, not retried
	assert.Equal(t, 2, countFiles(t, filepath.Join(root, processedDir)))
}

func TestFilesystemBusProbe(t *testing.T) {
	root := t.TempDir()
	fsb := newTestFSBus(t, root)
	require.NoError(t, fsb.Probe(context.Background()))

	require.NoError(t, os.RemoveAll(filepath.Join(root, outgoingDir)))
	err := fsb.Probe(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEmitIsAtomic(t *testing.T) {
	root := t.TempDir()
	fsb := newTestFSBus(t, root)
	ctx := context.Background()

	require.NoError(t, fsb.Emit(ctx, testSignal(uuid.New().String())))

	// no temp debris leaks into the spool directories
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("unexpected stray file %s in bus root", e.Name())
		}
	}
	assert.Equal(t, 1, countFiles(t, filepath.Join(root, outgoingDir)))
}
