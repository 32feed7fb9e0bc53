package rewind

import (
	"reflect"

	"golang.org/x/text/unicode/norm"
)

// Codec is the value-to-bytes capability the store consumes. The default is
// deterministic JSON; callers swap it via Config.Codec.
//
// Decode(Encode(v)) must round-trip every registered state and substate value;
// the store also leans on this round trip to deep-copy working state.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
	Name() string
}

// Substate is a named projection of a sub-tree of the state, persisted as an
// independent keyed row. Register substates at Open; the set is immutable
// afterward.
//
// For a given key the projection and its writer must be mutual inverses:
// writing back what was read leaves the state unchanged.
//
// Substate is a sealed interface; construct values with NewSubstate.
type Substate[S any] interface {
	// Key returns the (NFC-normalized) row key.
	Key() string

	restore(c Codec, s *S, data []byte) error
	encode(c Codec, s S) ([]byte, error)
	changed(old, new S) bool
}

// substate binds a key to a typed read/write lens over S.
type substate[S, V any] struct {
	key   string
	read  func(S) V
	write func(*S, V)
}

// NewSubstate registers a projection of S under key.
//
// The key is normalized to NFC so visually identical keys share one row.
// read extracts the sub-tree value; write splices a value back into the
// state.
func NewSubstate[S, V any](key string, read func(S) V, write func(*S, V)) Substate[S] {
	return &substate[S, V]{
		key:   norm.NFC.String(key),
		read:  read,
		write: write,
	}
}

func (ss *substate[S, V]) Key() string { return ss.key }

// restore decodes data and splices the value into s.
func (ss *substate[S, V]) restore(c Codec, s *S, data []byte) error {
	var v V
	if err := c.Decode(data, &v); err != nil {
		return encodingErr("restore substate", ss.key, err)
	}
	ss.write(s, v)
	return nil
}

// encode serializes the projection of s.
func (ss *substate[S, V]) encode(c Codec, s S) ([]byte, error) {
	data, err := c.Encode(ss.read(s))
	if err != nil {
		return nil, encodingErr("encode substate", ss.key, err)
	}
	return data, nil
}

// changed reports whether the projection differs between two states by value
// equality.
func (ss *substate[S, V]) changed(old, new S) bool {
	return !reflect.DeepEqual(ss.read(old), ss.read(new))
}
