package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojotx/core/transaction"
)

// LSN is the position of a record in the log. LSNs are 1-based and
// consecutive; the sequence of records defines the total commit order.
type LSN uint64

const InvalidLSN LSN = 0

// RecordType defines what a log record describes.
type RecordType byte

const (
	RecordTypeCommit  RecordType = iota + 1 // A committed transaction and its writes
	RecordTypeReserve                       // Transaction ids reserved up to ReservedThrough
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeCommit:
		return "commit"
	case RecordTypeReserve:
		return "reserve"
	default:
		return fmt.Sprintf("RecordType(%d)", byte(t))
	}
}

// Write is one resource update inside a commit record.
type Write struct {
	Resource transaction.ResourceRef
	Version  transaction.Version
	Value    []byte
}

// CommitRecord is a single entry of the transaction log. It is immutable once
// appended.
type CommitRecord struct {
	LSN       LSN
	Type      RecordType
	TxnID     transaction.ID
	Timestamp int64 // unix nanoseconds
	Writes    []Write
	// ReservedThrough is the highest transaction id covered by a reserve record.
	ReservedThrough transaction.ID
}

var (
	ErrChecksumMismatch = errors.New("log record checksum mismatch")
	ErrRecordTooLarge   = errors.New("log record too large")
	ErrMalformedRecord  = errors.New("malformed log record")
)

const (
	frameHeaderSize = 8 // payload length + crc32, both little endian
	maxRecordSize   = 64 << 20
)

// Record fields in protobuf wire format.
const (
	fieldLSN             protowire.Number = 1
	fieldType            protowire.Number = 2
	fieldTxnID           protowire.Number = 3
	fieldTimestamp       protowire.Number = 4
	fieldWrite           protowire.Number = 5
	fieldReservedThrough protowire.Number = 6

	fieldWriteResource protowire.Number = 1
	fieldWriteVersion  protowire.Number = 2
	fieldWriteValue    protowire.Number = 3
)

// Marshal encodes the record payload.
func (r *CommitRecord) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldLSN, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.LSN))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	b = protowire.AppendTag(b, fieldTxnID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.TxnID))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp))
	for _, w := range r.Writes {
		var wb []byte
		wb = protowire.AppendTag(wb, fieldWriteResource, protowire.BytesType)
		wb = protowire.AppendString(wb, string(w.Resource))
		wb = protowire.AppendTag(wb, fieldWriteVersion, protowire.VarintType)
		wb = protowire.AppendVarint(wb, uint64(w.Version))
		wb = protowire.AppendTag(wb, fieldWriteValue, protowire.BytesType)
		wb = protowire.AppendBytes(wb, w.Value)

		b = protowire.AppendTag(b, fieldWrite, protowire.BytesType)
		b = protowire.AppendBytes(b, wb)
	}
	if r.ReservedThrough != 0 {
		b = protowire.AppendTag(b, fieldReservedThrough, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ReservedThrough))
	}
	return b
}

// Unmarshal decodes a payload produced by Marshal. Unknown fields are skipped.
func (r *CommitRecord) Unmarshal(b []byte) error {
	*r = CommitRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldWrite && typ == protowire.BytesType:
			wb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: write: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			w, err := unmarshalWrite(wb)
			if err != nil {
				return err
			}
			r.Writes = append(r.Writes, w)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			switch num {
			case fieldLSN:
				r.LSN = LSN(v)
			case fieldType:
				r.Type = RecordType(v)
			case fieldTxnID:
				r.TxnID = transaction.ID(v)
			case fieldTimestamp:
				r.Timestamp = int64(v)
			case fieldReservedThrough:
				r.ReservedThrough = transaction.ID(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalWrite(b []byte) (Write, error) {
	var w Write
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, fmt.Errorf("%w: write tag: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldWriteResource && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return w, fmt.Errorf("%w: resource: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			w.Resource = transaction.ResourceRef(s)
			b = b[n:]
		case num == fieldWriteVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return w, fmt.Errorf("%w: version: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			w.Version = transaction.Version(v)
			b = b[n:]
		case num == fieldWriteValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, fmt.Errorf("%w: value: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			w.Value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, fmt.Errorf("%w: write field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return w, nil
}

// appendFrame appends the framed record to buf:
//
//	+--------------+-------------+-----------------+
//	| length (u32) | crc32 (u32) | payload         |
//	+--------------+-------------+-----------------+
func appendFrame(buf []byte, r *CommitRecord) ([]byte, error) {
	payload := r.Marshal()
	if len(payload) > maxRecordSize {
		return buf, fmt.Errorf("%w: %d bytes for txn %d", ErrRecordTooLarge, len(payload), r.TxnID)
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	buf = append(buf, header[:]...)
	return append(buf, payload...), nil
}

// readFrame reads one frame and returns the decoded record and the number of
// bytes consumed. A clean end of input returns io.EOF; a partially written
// frame returns io.ErrUnexpectedEOF. Once the header is read the returned
// size is the full frame length the header claims, also on error.
func readFrame(r io.Reader) (*CommitRecord, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	frameLen := int64(frameHeaderSize) + int64(size)
	if size > maxRecordSize {
		return nil, frameLen, fmt.Errorf("%w: frame claims %d bytes", ErrMalformedRecord, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, frameLen, io.ErrUnexpectedEOF
		}
		return nil, frameLen, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, frameLen, ErrChecksumMismatch
	}
	rec := &CommitRecord{}
	if err := rec.Unmarshal(payload); err != nil {
		return nil, frameLen, err
	}
	return rec, frameLen, nil
}
