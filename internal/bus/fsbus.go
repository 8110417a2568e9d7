package bus

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
)

const (
	outgoingDir  = "outgoing"
	processedDir = "processed"
)

// FilesystemBus spools signals as files. Emit writes to a temp file and
// renames it into outgoing/; Consume renames into processed/ before parsing.
// Both directories live under the same root so every rename is atomic, which
// gives at-most-once delivery across consumer crashes.
type FilesystemBus struct {
	logger *logger.Logger
	root   string

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewFilesystemBus creates the spool directories and the bus over them.
func NewFilesystemBus(log *logger.Logger, root string) (*FilesystemBus, error) {
	for _, dir := range []string{outgoingDir, processedDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bus directory: %w", err)
		}
	}

	return &FilesystemBus{
		logger:  log.Named("fs-bus"),
		root:    root,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// nextULID produces a monotonic ULID so lexicographic filename order is FIFO
// emission order.
func (b *FilesystemBus) nextULID() ulid.ULID {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy)
}

// Emit writes the signal into outgoing/ via temp-file plus rename.
func (b *FilesystemBus) Emit(ctx context.Context, signal *models.Signal) error {
	data, err := signal.Marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.root, ".emit-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	final := filepath.Join(b.root, outgoingDir, b.nextULID().String()+".json")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.logger.Debug("Signal emitted",
		zap.String("signal_id", signal.ID),
		zap.String("file", filepath.Base(final)))
	return nil
}

// Consume takes the oldest outgoing signal. The file is renamed into
// processed/ before its contents are parsed, so a crash mid-processing never
// causes redelivery, and a crash before the rename leaves the file for the
// next boot.
func (b *FilesystemBus) Consume(ctx context.Context) (*models.Signal, error) {
	names, err := b.pendingNames()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src := filepath.Join(b.root, outgoingDir, name)
		dst := filepath.Join(b.root, processedDir, name)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				// another consumer took it
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to read taken signal %s: %w", name, err)
		}
		signal, err := models.UnmarshalSignal(data)
		if err != nil {
			// stays in processed/, never retried
			b.logger.Warn("Dropping undecodable signal file",
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		return signal, nil
	}

	return nil, ErrEmpty
}

func (b *FilesystemBus) pendingNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, outgoingDir))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Probe verifies both spool directories exist and the root is writable.
func (b *FilesystemBus) Probe(ctx context.Context) error {
	for _, dir := range []string{outgoingDir, processedDir} {
		if _, err := os.Stat(filepath.Join(b.root, dir)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	probe, err := os.CreateTemp(b.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// Close is a no-op for the filesystem bus.
func (b *FilesystemBus) Close() error { return nil }
