package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OpKind selects what an Operation does to its characteristic.
type OpKind int

const (
	// OpRead reads the characteristic value.
	OpRead OpKind = iota
	// OpWrite writes the payload and waits for the peripheral's response.
	OpWrite
	// OpWriteNoResponse writes the payload as a write command.
	OpWriteNoResponse
	// OpCheck succeeds if the characteristic exists in the discovered tree.
	// It never touches the radio.
	OpCheck
	// OpListen subscribes to notifications.
	OpListen
)

var opKindNames = [...]string{
	OpRead:            "read",
	OpWrite:           "write",
	OpWriteNoResponse: "write_no_response",
	OpCheck:           "check",
	OpListen:          "listen",
}

func (k OpKind) String() string {
	if k >= 0 && int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// ParseOpKind parses the name returned by OpKind.String.
func ParseOpKind(s string) (OpKind, error) {
	for k, name := range opKindNames {
		if strings.EqualFold(s, name) {
			return OpKind(k), nil
		}
	}
	return 0, fmt.Errorf("ble: unknown operation kind %q", s)
}

// Result is the tri-state outcome of an Operation.
type Result int

const (
	Pending Result = iota
	Succeeded
	Failed
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Operation is a single characteristic-level action. It belongs to one Task
// and is only mutated by the Manager while that task is queued.
type Operation struct {
	Kind           OpKind
	Service        uuid.UUID
	Characteristic uuid.UUID
	Payload        []byte

	result Result
	value  []byte
}

// Read returns an operation that reads a characteristic.
func Read(service, characteristic uuid.UUID) *Operation {
	return &Operation{Kind: OpRead, Service: service, Characteristic: characteristic}
}

// Write returns an operation that writes payload with response.
func Write(service, characteristic uuid.UUID, payload []byte) *Operation {
	return &Operation{Kind: OpWrite, Service: service, Characteristic: characteristic, Payload: payload}
}

// WriteNoResponse returns an operation that writes payload without response.
func WriteNoResponse(service, characteristic uuid.UUID, payload []byte) *Operation {
	return &Operation{Kind: OpWriteNoResponse, Service: service, Characteristic: characteristic, Payload: payload}
}

// DefaultATTPayload is the largest value a single write carries without
// a negotiated MTU (23 bytes minus the 3 byte ATT header).
const DefaultATTPayload = 20

// WriteChunked splits payload into writes of at most maxBytes each, in
// order. A maxBytes below 1 uses DefaultATTPayload. An empty payload yields
// one empty write.
func WriteChunked(service, characteristic uuid.UUID, payload []byte, maxBytes int, withResponse bool) []*Operation {
	if maxBytes < 1 {
		maxBytes = DefaultATTPayload
	}
	kind := OpWriteNoResponse
	if withResponse {
		kind = OpWrite
	}
	var ops []*Operation
	for {
		n := len(payload)
		if n > maxBytes {
			n = maxBytes
		}
		ops = append(ops, &Operation{Kind: kind, Service: service, Characteristic: characteristic, Payload: payload[:n:n]})
		payload = payload[n:]
		if len(payload) == 0 {
			return ops
		}
	}
}

// Check returns an operation that verifies the characteristic is present.
func Check(service, characteristic uuid.UUID) *Operation {
	return &Operation{Kind: OpCheck, Service: service, Characteristic: characteristic}
}

// Listen returns an operation that enables notifications. Values pushed by
// the peripheral afterwards are published as notification events.
func Listen(service, characteristic uuid.UUID) *Operation {
	return &Operation{Kind: OpListen, Service: service, Characteristic: characteristic}
}

// Result returns the outcome of the last run.
func (o *Operation) Result() Result { return o.result }

// Succeeded reports whether the operation completed successfully.
func (o *Operation) Succeeded() bool { return o.result == Succeeded }

// Value returns the value captured by a successful read.
func (o *Operation) Value() []byte { return o.value }

func (o *Operation) String() string {
	return fmt.Sprintf("%s %s/%s", o.Kind, o.Service, o.Characteristic)
}

func (o *Operation) succeed(value []byte) {
	o.result = Succeeded
	if value != nil {
		o.value = append([]byte(nil), value...)
	}
}

func (o *Operation) fail() {
	o.result = Failed
}

func (o *Operation) clear() {
	o.result = Pending
	o.value = nil
}
