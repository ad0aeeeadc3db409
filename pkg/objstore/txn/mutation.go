package txn

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack"
)

// Mutation is a single journaled change to one object. Implementations live
// with the component that applies them (store records, allocations, store
// info writes) and register a decoder here so the journal can rebuild them
// during replay.
type Mutation interface {
	// MutationKind returns the registered wire tag.
	MutationKind() uint8
}

// ApplyMode tells a target whether a mutation arrives from a live commit or
// from journal replay. Replayed mutations must not touch the device.
type ApplyMode int

const (
	ApplyLive ApplyMode = iota
	ApplyReplay
)

// Checkpoint locates a point in the journal stream: the byte offset of the
// following record and the checksum state needed to validate from there.
type Checkpoint struct {
	FileOffset uint64
	Checksum   uint64
}

// Target applies mutations routed to it by object ID. DropMutation undoes
// any side effect a mutation had when it was staged in t, which is still
// available so resources can flow back to its reservation.
type Target interface {
	ApplyMutation(m Mutation, assoc AssociatedObject, mode ApplyMode, checkpoint Checkpoint) error
	DropMutation(m Mutation, t *Transaction)
}

// AssociatedObject receives a callback when its mutation is committed. It
// lets a component capture state at the precise commit point of a
// transaction it did not build itself.
type AssociatedObject interface {
	WillApply(m Mutation)
}

var (
	mutationMtx      sync.RWMutex
	mutationDecoders = map[uint8]func() Mutation{}
)

// RegisterMutation installs a decoder for a mutation wire tag. Call from
// init; duplicate tags panic.
func RegisterMutation(kind uint8, fn func() Mutation) {
	mutationMtx.Lock()
	defer mutationMtx.Unlock()

	if _, ok := mutationDecoders[kind]; ok {
		panic(fmt.Sprintf("duplicate mutation kind %d", kind))
	}
	mutationDecoders[kind] = fn
}

type mutationEnvelope struct {
	Kind uint8
	Body []byte
}

// EncodeMutation serializes a mutation with its wire tag.
func EncodeMutation(m Mutation) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not encode mutation body: %w", err)
	}

	return msgpack.Marshal(mutationEnvelope{Kind: m.MutationKind(), Body: body})
}

// DecodeMutation rebuilds a mutation from its wire form using the
// registered decoder for its tag.
func DecodeMutation(data []byte) (Mutation, error) {
	var env mutationEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("could not decode mutation envelope: %w", err)
	}

	mutationMtx.RLock()
	fn, ok := mutationDecoders[env.Kind]
	mutationMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown mutation kind %d", env.Kind)
	}

	m := fn()
	if err := msgpack.Unmarshal(env.Body, m); err != nil {
		return nil, fmt.Errorf("could not decode mutation body: %w", err)
	}

	return m, nil
}
