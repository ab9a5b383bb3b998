package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
	lockFileName  = "LOCK"

	DefaultSegmentSizeLimit int64 = 64 << 20
)

var (
	ErrLogLocked    = errors.New("log directory is locked by another process")
	ErrLogClosed    = errors.New("log is closed")
	ErrCorruptedLog = errors.New("log segment is corrupted")

	// errTornTail marks a damaged final frame: the crash hit an append that
	// was never acknowledged.
	errTornTail = errors.New("torn tail")
)

// Options tunes a LogManager.
type Options struct {
	// SegmentSizeLimit is the size after which the active segment is rolled.
	SegmentSizeLimit int64
	// SyncWrites fsyncs the active segment before Append returns. Turning it
	// off gives up durability and is only meant for benchmarks.
	SyncWrites bool
}

// DefaultOptions returns durable defaults.
func DefaultOptions() Options {
	return Options{SegmentSizeLimit: DefaultSegmentSizeLimit, SyncWrites: true}
}

type segment struct {
	firstLSN LSN
	path     string
}

// LogManager is a file-backed transaction log made of segments. Each segment
// is named after the LSN of its first record. Appends go to the last segment
// and are durable when Append returns.
type LogManager struct {
	dir    string
	opts   Options
	logger *zap.Logger
	lock   *flock.Flock

	mu         sync.Mutex // protects everything below
	segments   []segment  // sorted by firstLSN
	active     *os.File
	activeSize int64
	nextLSN    LSN
	closed     bool
}

// NewLogManager opens (or creates) the log in dir. It takes an exclusive lock
// on the directory, validates every segment and truncates a torn tail left by
// a crash in the middle of an append.
func NewLogManager(dir string, logger *zap.Logger, opts Options) (*LogManager, error) {
	if opts.SegmentSizeLimit <= 0 {
		opts.SegmentSizeLimit = DefaultSegmentSizeLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock log directory %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrLogLocked)
	}

	lm := &LogManager{
		dir:     dir,
		opts:    opts,
		logger:  logger.Named("wal"),
		lock:    lock,
		nextLSN: 1,
	}
	if err := lm.open(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	lm.logger.Info("Log manager opened",
		zap.String("dir", dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)),
	)
	return lm, nil
}

// open discovers the segments, replays them to find the tail and opens the
// last one for appending.
func (lm *LogManager) open() error {
	segments, err := listSegments(lm.dir)
	if err != nil {
		return err
	}
	lm.segments = segments

	if len(segments) == 0 {
		return lm.createSegment(lm.nextLSN)
	}

	for i, seg := range segments {
		last := i == len(segments)-1
		if !last && segments[i+1].firstLSN <= seg.firstLSN {
			return fmt.Errorf("%w: overlapping segments %s and %s", ErrCorruptedLog, seg.path, segments[i+1].path)
		}
		if lm.nextLSN != seg.firstLSN && !(i == 0 && lm.nextLSN == 1) {
			return fmt.Errorf("%w: segment %s starts at %d, expected %d", ErrCorruptedLog, seg.path, seg.firstLSN, lm.nextLSN)
		}
		lm.nextLSN = seg.firstLSN

		goodSize, err := lm.scanSegment(seg)
		if err != nil {
			if !last || !errors.Is(err, errTornTail) {
				return fmt.Errorf("%w: %s: %v", ErrCorruptedLog, seg.path, err)
			}
			lm.logger.Warn("Truncating torn tail of log segment",
				zap.String("segment", seg.path),
				zap.Int64("good_size", goodSize),
				zap.Error(err),
			)
			if err := os.Truncate(seg.path, goodSize); err != nil {
				return fmt.Errorf("failed to truncate torn tail of %s: %w", seg.path, err)
			}
		}
		if last {
			f, err := os.OpenFile(seg.path, os.O_RDWR|os.O_APPEND, 0640)
			if err != nil {
				return fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
			}
			lm.active = f
			lm.activeSize = goodSize
		}
	}
	return nil
}

// scanSegment walks the records of seg, advancing nextLSN. It returns the
// size of the valid prefix of the file. A bad frame is reported as a torn
// tail only when it is the last frame of the file; damage in front of
// acknowledged records is corruption.
func (lm *LogManager) scanSegment(seg segment) (int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat log segment %s: %w", seg.path, err)
	}
	fileSize := stat.Size()

	reader := bufio.NewReader(f)
	var offset int64
	for {
		rec, n, err := readFrame(reader)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			if isFrameDamage(err) && (errors.Is(err, io.ErrUnexpectedEOF) || offset+n >= fileSize) {
				return offset, fmt.Errorf("%w at offset %d: %v", errTornTail, offset, err)
			}
			return offset, fmt.Errorf("bad frame at offset %d: %w", offset, err)
		}
		if rec.LSN != lm.nextLSN {
			return offset, fmt.Errorf("record LSN %d at offset %d, expected %d", rec.LSN, offset, lm.nextLSN)
		}
		lm.nextLSN++
		offset += n
	}
}

func isFrameDamage(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrMalformedRecord)
}

// createSegment must be called with lm.mu held (or before the manager is
// shared).
func (lm *LogManager) createSegment(firstLSN LSN) error {
	path := segmentPath(lm.dir, firstLSN)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_EXCL, 0640)
	if err != nil {
		return fmt.Errorf("failed to create log segment %s: %w", path, err)
	}
	if err := syncDir(lm.dir); err != nil {
		f.Close()
		return err
	}
	lm.segments = append(lm.segments, segment{firstLSN: firstLSN, path: path})
	lm.active = f
	lm.activeSize = 0
	return nil
}

// rollSegment closes the active segment and starts a new one at firstLSN.
// It must be called with lm.mu held.
func (lm *LogManager) rollSegment(firstLSN LSN) error {
	if lm.active != nil {
		if err := lm.active.Sync(); err != nil {
			return fmt.Errorf("failed to sync log segment before roll: %w", err)
		}
		if err := lm.active.Close(); err != nil {
			return fmt.Errorf("failed to close log segment before roll: %w", err)
		}
		lm.active = nil
	}
	if err := lm.createSegment(firstLSN); err != nil {
		return err
	}
	lm.logger.Info("Rolled log segment", zap.Uint64("first_lsn", uint64(firstLSN)))
	return nil
}

// Append writes records as one group: they receive consecutive LSNs, are
// written with a single write and synced once. Append returns the LSN of the
// first record. On error no LSN is consumed and the segment is cut back to
// its previous size.
func (lm *LogManager) Append(records ...*CommitRecord) (LSN, error) {
	if len(records) == 0 {
		return InvalidLSN, nil
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}

	first := lm.nextLSN
	var buf []byte
	for i, rec := range records {
		rec.LSN = first + LSN(i)
		var err error
		if buf, err = appendFrame(buf, rec); err != nil {
			resetLSNs(records)
			return InvalidLSN, err
		}
	}

	if lm.activeSize > 0 && lm.activeSize+int64(len(buf)) > lm.opts.SegmentSizeLimit {
		if err := lm.rollSegment(first); err != nil {
			resetLSNs(records)
			return InvalidLSN, err
		}
	}

	if err := lm.writeAndSync(buf); err != nil {
		resetLSNs(records)
		if terr := lm.active.Truncate(lm.activeSize); terr != nil {
			lm.logger.Error("Failed to cut back log segment after failed append", zap.Error(terr))
		}
		return InvalidLSN, err
	}

	lm.activeSize += int64(len(buf))
	lm.nextLSN += LSN(len(records))
	lm.logger.Debug("Appended log records",
		zap.Uint64("first_lsn", uint64(first)),
		zap.Int("count", len(records)),
		zap.Int("bytes", len(buf)),
	)
	return first, nil
}

func (lm *LogManager) writeAndSync(buf []byte) error {
	n, err := lm.active.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to write log records: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write to log: expected %d, wrote %d", len(buf), n)
	}
	if lm.opts.SyncWrites {
		if err := lm.active.Sync(); err != nil {
			return fmt.Errorf("failed to sync log: %w", err)
		}
	}
	return nil
}

func resetLSNs(records []*CommitRecord) {
	for _, rec := range records {
		rec.LSN = InvalidLSN
	}
}

// ReadFrom returns every record with LSN >= from, in log order.
func (lm *LogManager) ReadFrom(from LSN) ([]*CommitRecord, error) {
	if from == InvalidLSN {
		from = 1
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil, ErrLogClosed
	}

	start := sort.Search(len(lm.segments), func(i int) bool {
		return lm.segments[i].firstLSN > from
	}) - 1
	if start < 0 {
		start = 0
	}

	var out []*CommitRecord
	for _, seg := range lm.segments[start:] {
		recs, err := readSegment(seg.path)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.LSN >= from {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func readSegment(path string) ([]*CommitRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var out []*CommitRecord
	for {
		rec, _, err := readFrame(reader)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log segment %s: %w", path, err)
		}
		out = append(out, rec)
	}
}

// LastLSN returns the LSN of the last appended record, InvalidLSN if empty.
func (lm *LogManager) LastLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// Close syncs and closes the active segment and releases the directory lock.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true

	var errs []error
	if lm.active != nil {
		if err := lm.active.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync log on close: %w", err))
		}
		if err := lm.active.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log on close: %w", err))
		}
		lm.active = nil
	}
	if err := lm.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release log lock: %w", err))
	}
	lm.logger.Info("Log manager closed", zap.Uint64("last_lsn", uint64(lm.nextLSN-1)))
	return errors.Join(errs...)
}

func segmentPath(dir string, firstLSN LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(firstLSN), segmentSuffix))
}

func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", dir, err)
	}
	var segments []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		segments = append(segments, segment{firstLSN: LSN(id), path: filepath.Join(dir, name)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].firstLSN < segments[j].firstLSN })
	return segments, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open log directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync log directory %s: %w", dir, err)
	}
	return nil
}
