package wal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotx/core/transaction"
)

// --- Test Helpers ---

func setupLogManager(t *testing.T, opts Options) (*LogManager, string) {
	t.Helper()
	tempDir := t.TempDir()
	lm, err := NewLogManager(tempDir, zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	return lm, tempDir
}

func newTestCommit(txn transaction.ID, ref string, version transaction.Version, value string) *CommitRecord {
	return &CommitRecord{
		Type:      RecordTypeCommit,
		TxnID:     txn,
		Timestamp: time.Now().UnixNano(),
		Writes: []Write{{
			Resource: transaction.ResourceRef(ref),
			Version:  version,
			Value:    []byte(value),
		}},
	}
}

// --- Test Cases ---

func TestLogManager_AppendAndRead(t *testing.T) {
	lm, _ := setupLogManager(t, DefaultOptions())
	defer lm.Close()

	require.Equal(t, InvalidLSN, lm.LastLSN())

	first, err := lm.Append(newTestCommit(1, "a", 1, "x"), newTestCommit(2, "b", 1, "y"))
	require.NoError(t, err)
	require.Equal(t, LSN(1), first)

	next, err := lm.Append(newTestCommit(3, "a", 2, "z"))
	require.NoError(t, err)
	require.Equal(t, LSN(3), next)
	require.Equal(t, LSN(3), lm.LastLSN())

	records, err := lm.ReadFrom(1)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		require.Equal(t, LSN(i+1), rec.LSN)
		require.Equal(t, transaction.ID(i+1), rec.TxnID)
	}
	require.Equal(t, []byte("z"), records[2].Writes[0].Value)
	require.Equal(t, transaction.Version(2), records[2].Writes[0].Version)

	tail, err := lm.ReadFrom(3)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, transaction.ID(3), tail[0].TxnID)
}

func TestLogManager_EmptyAppendIsNoop(t *testing.T) {
	lm, _ := setupLogManager(t, DefaultOptions())
	defer lm.Close()

	lsn, err := lm.Append()
	require.NoError(t, err)
	require.Equal(t, InvalidLSN, lsn)
	require.Equal(t, InvalidLSN, lm.LastLSN())
}

func TestLogManager_Recovery(t *testing.T) {
	lm, dir := setupLogManager(t, DefaultOptions())
	for i := 1; i <= 5; i++ {
		_, err := lm.Append(newTestCommit(transaction.ID(i), "r", transaction.Version(i), "v"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	reopened, err := NewLogManager(dir, zaptest.NewLogger(t), DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, LSN(5), reopened.LastLSN())
	lsn, err := reopened.Append(newTestCommit(6, "r", 6, "v"))
	require.NoError(t, err)
	require.Equal(t, LSN(6), lsn)

	records, err := reopened.ReadFrom(1)
	require.NoError(t, err)
	require.Len(t, records, 6)
}

func TestLogManager_SegmentRoll(t *testing.T) {
	lm, dir := setupLogManager(t, Options{SegmentSizeLimit: 128, SyncWrites: true})
	for i := 1; i <= 10; i++ {
		_, err := lm.Append(newTestCommit(transaction.ID(i), "resource", transaction.Version(i), "some-value-bytes"))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	require.NoError(t, err)
	require.Greater(t, len(matches), 1, "small segment limit should roll segments")

	records, err := lm.ReadFrom(7)
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, LSN(7), records[0].LSN)
	require.NoError(t, lm.Close())

	reopened, err := NewLogManager(dir, zaptest.NewLogger(t), Options{SegmentSizeLimit: 128, SyncWrites: true})
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, LSN(10), reopened.LastLSN())
}

func TestLogManager_TornTailIsTruncated(t *testing.T) {
	lm, dir := setupLogManager(t, DefaultOptions())
	_, err := lm.Append(newTestCommit(1, "a", 1, "x"), newTestCommit(2, "a", 2, "y"))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	// Simulate a crash in the middle of the next append.
	path := filepath.Join(dir, "wal-00000000000000000001.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0640)
	require.NoError(t, err)
	_, err = f.Write([]byte{42, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewLogManager(dir, zaptest.NewLogger(t), DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, LSN(2), reopened.LastLSN())
	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, info.Size(), after.Size())

	lsn, err := reopened.Append(newTestCommit(3, "a", 3, "z"))
	require.NoError(t, err)
	require.Equal(t, LSN(3), lsn)
}

// frameOffsets returns the start offset of every frame in a segment file.
func frameOffsets(t *testing.T, data []byte) []int64 {
	t.Helper()
	reader := bytes.NewReader(data)
	var offsets []int64
	var offset int64
	for {
		_, n, err := readFrame(reader)
		if err == io.EOF {
			return offsets
		}
		require.NoError(t, err)
		offsets = append(offsets, offset)
		offset += n
	}
}

func TestLogManager_CorruptedMiddleRecordIsNotTruncated(t *testing.T) {
	lm, dir := setupLogManager(t, DefaultOptions())
	_, err := lm.Append(newTestCommit(1, "a", 1, "x"), newTestCommit(2, "a", 2, "y"), newTestCommit(3, "a", 3, "z"))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	path := filepath.Join(dir, "wal-00000000000000000001.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	offsets := frameOffsets(t, data)
	require.Len(t, offsets, 3)

	// Flip a payload byte of the second record; the third stays intact.
	data[offsets[1]+frameHeaderSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0640))

	_, err = NewLogManager(dir, zaptest.NewLogger(t), DefaultOptions())
	require.ErrorIs(t, err, ErrCorruptedLog)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, after, "acknowledged records must not be truncated")
}

func TestLogManager_CorruptedFinalRecordIsTruncated(t *testing.T) {
	lm, dir := setupLogManager(t, DefaultOptions())
	_, err := lm.Append(newTestCommit(1, "a", 1, "x"), newTestCommit(2, "a", 2, "y"))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	path := filepath.Join(dir, "wal-00000000000000000001.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	offsets := frameOffsets(t, data)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0640))

	reopened, err := NewLogManager(dir, zaptest.NewLogger(t), DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, LSN(1), reopened.LastLSN())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, offsets[1], info.Size())
}

func TestLogManager_DirectoryLock(t *testing.T) {
	lm, dir := setupLogManager(t, DefaultOptions())
	defer lm.Close()

	_, err := NewLogManager(dir, zaptest.NewLogger(t), DefaultOptions())
	require.ErrorIs(t, err, ErrLogLocked)
}

func TestLogManager_Closed(t *testing.T) {
	lm, _ := setupLogManager(t, DefaultOptions())
	require.NoError(t, lm.Close())
	require.NoError(t, lm.Close())

	_, err := lm.Append(newTestCommit(1, "a", 1, "x"))
	require.ErrorIs(t, err, ErrLogClosed)
	_, err = lm.ReadFrom(1)
	require.ErrorIs(t, err, ErrLogClosed)
}

func TestLogManager_FileNameFormat(t *testing.T) {
	_, dir := setupLogManager(t, DefaultOptions())
	_, err := os.Stat(filepath.Join(dir, "wal-00000000000000000001.log"))
	require.NoError(t, err)
}
