package transactionservice

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/transaction"
)

// Every message keeps its repeated or scalar payload in field 1.
const (
	fieldPayload  protowire.Number = 1
	fieldReadOnly protowire.Number = 2
	fieldFound    protowire.Number = 2
)

type StartRequest struct {
	Timeouts []time.Duration
}

func (m *StartRequest) appendWire(b []byte) []byte {
	for _, d := range m.Timeouts {
		b = appendVarint(b, fieldPayload, protowire.EncodeZigZag(int64(d)))
	}
	return b
}

func (m *StartRequest) unmarshalWire(b []byte) error {
	*m = StartRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeVarint(typ, b, func(v uint64) {
			m.Timeouts = append(m.Timeouts, time.Duration(protowire.DecodeZigZag(v)))
		}), nil
	})
}

type StartResponse struct {
	Started []transaction.Started
}

func (m *StartResponse) appendWire(b []byte) []byte {
	for _, s := range m.Started {
		b = nested(b, fieldPayload, func(e []byte) []byte { return appendStarted(e, s) })
	}
	return b
}

func (m *StartResponse) unmarshalWire(b []byte) error {
	*m = StartResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeBytes(typ, b, func(v []byte) error {
			s, err := decodeStarted(v)
			m.Started = append(m.Started, s)
			return err
		})
	})
}

type CommitRequest struct {
	Transactions []transaction.Snapshot
	ReadOnly     []transaction.ID
}

func (m *CommitRequest) appendWire(b []byte) []byte {
	for i := range m.Transactions {
		b = nested(b, fieldPayload, func(e []byte) []byte { return appendSnapshot(e, &m.Transactions[i]) })
	}
	for _, id := range m.ReadOnly {
		b = appendVarint(b, fieldReadOnly, uint64(id))
	}
	return b
}

func (m *CommitRequest) unmarshalWire(b []byte) error {
	*m = CommitRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldPayload:
			return consumeBytes(typ, b, func(v []byte) error {
				s, err := decodeSnapshot(v)
				m.Transactions = append(m.Transactions, s)
				return err
			})
		case fieldReadOnly:
			return consumeVarint(typ, b, func(v uint64) { m.ReadOnly = append(m.ReadOnly, transaction.ID(v)) }), nil
		}
		return 0, nil
	})
}

type AbortRequest struct {
	IDs []transaction.ID
}

func (m *AbortRequest) appendWire(b []byte) []byte {
	for _, id := range m.IDs {
		b = appendVarint(b, fieldPayload, uint64(id))
	}
	return b
}

func (m *AbortRequest) unmarshalWire(b []byte) error {
	*m = AbortRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeVarint(typ, b, func(v uint64) { m.IDs = append(m.IDs, transaction.ID(v)) }), nil
	})
}

// OutcomesResponse answers both commit and abort requests.
type OutcomesResponse struct {
	Outcomes []transaction.Outcome
}

func (m *OutcomesResponse) appendWire(b []byte) []byte {
	for _, o := range m.Outcomes {
		b = nested(b, fieldPayload, func(e []byte) []byte { return appendOutcome(e, o) })
	}
	return b
}

func (m *OutcomesResponse) unmarshalWire(b []byte) error {
	*m = OutcomesResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeBytes(typ, b, func(v []byte) error {
			o, err := decodeOutcome(v)
			m.Outcomes = append(m.Outcomes, o)
			return err
		})
	})
}

type ResourcesRequest struct {
	Prefix string
}

func (m *ResourcesRequest) appendWire(b []byte) []byte {
	return appendString(b, fieldPayload, m.Prefix)
}

func (m *ResourcesRequest) unmarshalWire(b []byte) error {
	*m = ResourcesRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeBytes(typ, b, func(v []byte) error { m.Prefix = string(v); return nil })
	})
}

type ResourcesResponse struct {
	Resources []manager.Resource
}

func (m *ResourcesResponse) appendWire(b []byte) []byte {
	for i := range m.Resources {
		b = nested(b, fieldPayload, func(e []byte) []byte { return appendResource(e, &m.Resources[i]) })
	}
	return b
}

func (m *ResourcesResponse) unmarshalWire(b []byte) error {
	*m = ResourcesResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeBytes(typ, b, func(v []byte) error {
			r, err := decodeResource(v)
			m.Resources = append(m.Resources, r)
			return err
		})
	})
}

type ResourceRequest struct {
	Ref transaction.ResourceRef
}

func (m *ResourceRequest) appendWire(b []byte) []byte {
	return appendString(b, fieldPayload, string(m.Ref))
}

func (m *ResourceRequest) unmarshalWire(b []byte) error {
	*m = ResourceRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeBytes(typ, b, func(v []byte) error { m.Ref = transaction.ResourceRef(v); return nil })
	})
}

// ResourceResponse carries the committed copy of one resource; Found is false
// for a resource never written.
type ResourceResponse struct {
	Resource manager.Resource
	Found    bool
}

func (m *ResourceResponse) appendWire(b []byte) []byte {
	if !m.Found {
		return b
	}
	b = nested(b, fieldPayload, func(e []byte) []byte { return appendResource(e, &m.Resource) })
	return appendBool(b, fieldFound, true)
}

func (m *ResourceResponse) unmarshalWire(b []byte) error {
	*m = ResourceResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldPayload:
			return consumeBytes(typ, b, func(v []byte) error {
				r, err := decodeResource(v)
				m.Resource = r
				return err
			})
		case fieldFound:
			return consumeVarint(typ, b, func(v uint64) { m.Found = v != 0 }), nil
		}
		return 0, nil
	})
}

type EnabledRequest struct{}

func (*EnabledRequest) appendWire(b []byte) []byte { return b }

func (*EnabledRequest) unmarshalWire([]byte) error { return nil }

type EnabledResponse struct {
	Enabled bool
}

func (m *EnabledResponse) appendWire(b []byte) []byte {
	return appendBool(b, fieldPayload, m.Enabled)
}

func (m *EnabledResponse) unmarshalWire(b []byte) error {
	*m = EnabledResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return 0, nil
		}
		return consumeVarint(typ, b, func(v uint64) { m.Enabled = v != 0 }), nil
	})
}

func outcomeList(m map[transaction.ID]transaction.Outcome) []transaction.Outcome {
	out := make([]transaction.Outcome, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out
}

func outcomeMap(list []transaction.Outcome) map[transaction.ID]transaction.Outcome {
	out := make(map[transaction.ID]transaction.Outcome, len(list))
	for _, o := range list {
		out[o.ID] = o
	}
	return out
}
