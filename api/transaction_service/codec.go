package transactionservice

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// codecName is the gRPC content subtype of the transaction service. Messages
// are hand-encoded in protobuf wire format, so no generated code is needed.
const codecName = "gojotx"

var errMalformedMessage = errors.New("malformed transaction service message")

// wireMessage is implemented by every request and response of the service.
type wireMessage interface {
	appendWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", codecName, v)
	}
	return m.appendWire(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", codecName, v)
	}
	return m.unmarshalWire(data)
}

func (wireCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// fieldFunc consumes the value of one field at the front of b and returns its
// encoded length, or a negative protowire error code. Returning 0 skips the
// field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", errMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformedMessage, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// appendTime encodes t as Unix nanoseconds; the zero time is omitted.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, protowire.EncodeZigZag(t.UnixNano()))
}

func decodeTime(v uint64) time.Time {
	return time.Unix(0, protowire.DecodeZigZag(v))
}

// nested encodes a sub-message built by fn as a length-delimited field.
func nested(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	return appendBytes(b, num, fn(nil))
}

// consumeVarint reads a varint field value. A wire type mismatch skips the
// field.
func consumeVarint(typ protowire.Type, b []byte, set func(uint64)) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		set(v)
	}
	return n
}

// consumeBytes reads a length-delimited field value. The slice passed to set
// aliases the input.
func consumeBytes(typ protowire.Type, b []byte, set func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, set(v)
}

// Map entry fields; maps travel as repeated entry messages sorted by ref.
const (
	fieldEntryRef   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

func appendVersionMap(b []byte, num protowire.Number, m map[transaction.ResourceRef]transaction.Version) []byte {
	for _, ref := range slices.Sorted(maps.Keys(m)) {
		b = nested(b, num, func(e []byte) []byte {
			e = appendString(e, fieldEntryRef, string(ref))
			return appendVarint(e, fieldEntryValue, uint64(m[ref]))
		})
	}
	return b
}

func decodeVersionEntry(b []byte, into map[transaction.ResourceRef]transaction.Version) error {
	var (
		ref transaction.ResourceRef
		v   transaction.Version
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEntryRef:
			return consumeBytes(typ, b, func(s []byte) error { ref = transaction.ResourceRef(s); return nil })
		case fieldEntryValue:
			return consumeVarint(typ, b, func(x uint64) { v = transaction.Version(x) }), nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	into[ref] = v
	return nil
}

func appendValueMap(b []byte, num protowire.Number, m map[transaction.ResourceRef][]byte) []byte {
	for _, ref := range slices.Sorted(maps.Keys(m)) {
		b = nested(b, num, func(e []byte) []byte {
			e = appendString(e, fieldEntryRef, string(ref))
			return appendBytes(e, fieldEntryValue, m[ref])
		})
	}
	return b
}

func decodeValueEntry(b []byte, into map[transaction.ResourceRef][]byte) error {
	var (
		ref   transaction.ResourceRef
		value []byte
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEntryRef:
			return consumeBytes(typ, b, func(s []byte) error { ref = transaction.ResourceRef(s); return nil })
		case fieldEntryValue:
			return consumeBytes(typ, b, func(s []byte) error { value = append([]byte{}, s...); return nil })
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	into[ref] = value
	return nil
}

// Sub-message fields.
const (
	fieldSnapID           protowire.Number = 1
	fieldSnapReadOnly     protowire.Number = 2
	fieldSnapStartedAt    protowire.Number = 3
	fieldSnapDeadline     protowire.Number = 4
	fieldSnapParticipant  protowire.Number = 5
	fieldSnapReadEntry    protowire.Number = 6
	fieldSnapWriteEntry   protowire.Number = 7
	fieldStartedID        protowire.Number = 1
	fieldStartedAt        protowire.Number = 2
	fieldOutcomeID        protowire.Number = 1
	fieldOutcomeStatus    protowire.Number = 2
	fieldOutcomeReason    protowire.Number = 3
	fieldOutcomeCommitLSN protowire.Number = 4
	fieldOutcomeVersion   protowire.Number = 5
	fieldResourceRef      protowire.Number = 1
	fieldResourceVersion  protowire.Number = 2
	fieldResourceValue    protowire.Number = 3
	fieldResourceLSN      protowire.Number = 4
)

func appendSnapshot(b []byte, s *transaction.Snapshot) []byte {
	b = appendVarint(b, fieldSnapID, uint64(s.ID))
	b = appendBool(b, fieldSnapReadOnly, s.ReadOnly)
	b = appendTime(b, fieldSnapStartedAt, s.StartedAt)
	b = appendTime(b, fieldSnapDeadline, s.Deadline)
	for _, ref := range s.Participants {
		b = appendString(b, fieldSnapParticipant, string(ref))
	}
	b = appendVersionMap(b, fieldSnapReadEntry, s.ReadSet)
	return appendValueMap(b, fieldSnapWriteEntry, s.WriteSet)
}

func decodeSnapshot(b []byte) (transaction.Snapshot, error) {
	s := transaction.Snapshot{
		ReadSet:  make(map[transaction.ResourceRef]transaction.Version),
		WriteSet: make(map[transaction.ResourceRef][]byte),
	}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSnapID:
			return consumeVarint(typ, b, func(v uint64) { s.ID = transaction.ID(v) }), nil
		case fieldSnapReadOnly:
			return consumeVarint(typ, b, func(v uint64) { s.ReadOnly = v != 0 }), nil
		case fieldSnapStartedAt:
			return consumeVarint(typ, b, func(v uint64) { s.StartedAt = decodeTime(v) }), nil
		case fieldSnapDeadline:
			return consumeVarint(typ, b, func(v uint64) { s.Deadline = decodeTime(v) }), nil
		case fieldSnapParticipant:
			return consumeBytes(typ, b, func(v []byte) error {
				s.Participants = append(s.Participants, transaction.ResourceRef(v))
				return nil
			})
		case fieldSnapReadEntry:
			return consumeBytes(typ, b, func(v []byte) error { return decodeVersionEntry(v, s.ReadSet) })
		case fieldSnapWriteEntry:
			return consumeBytes(typ, b, func(v []byte) error { return decodeValueEntry(v, s.WriteSet) })
		}
		return 0, nil
	})
	return s, err
}

func appendStarted(b []byte, s transaction.Started) []byte {
	b = appendVarint(b, fieldStartedID, uint64(s.ID))
	return appendTime(b, fieldStartedAt, s.StartedAt)
}

func decodeStarted(b []byte) (transaction.Started, error) {
	var s transaction.Started
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldStartedID:
			return consumeVarint(typ, b, func(v uint64) { s.ID = transaction.ID(v) }), nil
		case fieldStartedAt:
			return consumeVarint(typ, b, func(v uint64) { s.StartedAt = decodeTime(v) }), nil
		}
		return 0, nil
	})
	return s, err
}

func appendOutcome(b []byte, o transaction.Outcome) []byte {
	b = appendVarint(b, fieldOutcomeID, uint64(o.ID))
	b = appendVarint(b, fieldOutcomeStatus, uint64(o.Status))
	if o.Reason != transaction.ReasonNone {
		b = appendVarint(b, fieldOutcomeReason, uint64(o.Reason))
	}
	if o.CommitLSN != 0 {
		b = appendVarint(b, fieldOutcomeCommitLSN, o.CommitLSN)
	}
	return appendVersionMap(b, fieldOutcomeVersion, o.Versions)
}

func decodeOutcome(b []byte) (transaction.Outcome, error) {
	var o transaction.Outcome
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldOutcomeID:
			return consumeVarint(typ, b, func(v uint64) { o.ID = transaction.ID(v) }), nil
		case fieldOutcomeStatus:
			return consumeVarint(typ, b, func(v uint64) { o.Status = transaction.Status(v) }), nil
		case fieldOutcomeReason:
			return consumeVarint(typ, b, func(v uint64) { o.Reason = transaction.AbortReason(v) }), nil
		case fieldOutcomeCommitLSN:
			return consumeVarint(typ, b, func(v uint64) { o.CommitLSN = v }), nil
		case fieldOutcomeVersion:
			return consumeBytes(typ, b, func(v []byte) error {
				if o.Versions == nil {
					o.Versions = make(map[transaction.ResourceRef]transaction.Version)
				}
				return decodeVersionEntry(v, o.Versions)
			})
		}
		return 0, nil
	})
	return o, err
}

func appendResource(b []byte, r *manager.Resource) []byte {
	b = appendString(b, fieldResourceRef, string(r.Ref))
	b = appendVarint(b, fieldResourceVersion, uint64(r.Version))
	b = appendBytes(b, fieldResourceValue, r.Value)
	return appendVarint(b, fieldResourceLSN, uint64(r.LSN))
}

func decodeResource(b []byte) (manager.Resource, error) {
	var r manager.Resource
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldResourceRef:
			return consumeBytes(typ, b, func(v []byte) error { r.Ref = transaction.ResourceRef(v); return nil })
		case fieldResourceVersion:
			return consumeVarint(typ, b, func(v uint64) { r.Version = transaction.Version(v) }), nil
		case fieldResourceValue:
			return consumeBytes(typ, b, func(v []byte) error { r.Value = append([]byte{}, v...); return nil })
		case fieldResourceLSN:
			return consumeVarint(typ, b, func(v uint64) { r.LSN = wal.LSN(v) }), nil
		}
		return 0, nil
	})
	return r, err
}
