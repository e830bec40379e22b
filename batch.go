package ormap

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire shapes. A batch survives a JSON round trip as nested tuples:
//
//	batch              [insertions, deletions]
//	insertion          [key, [id, value]]
//	deletion           [id, key]
//	signed insertion   [signature, id, key, value]
//	signed deletion    [signature, id, key]
//
// The transport treats these as opaque; peers feed them back to Process.

var ErrBadBatch = errors.New("malformed batch")

// Insertion records "at this id, key was assigned value".
type Insertion struct {
	Key   string
	ID    string
	Value any
}

// Deletion tombstones the insertion carrying ID. Key is kept only to
// locate the affected live pair during replay.
type Deletion struct {
	ID  string
	Key string
}

// Batch is one publish unit: the insertions and deletions produced
// since the previous publish, or a full dump.
type Batch struct {
	Insertions []Insertion
	Deletions  []Deletion
}

func (in Insertion) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{in.Key, []any{in.ID, in.Value}})
}

func (in *Insertion) UnmarshalJSON(data []byte) error {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil || len(outer) != 2 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[0], &in.Key); err != nil {
		return ErrBadBatch
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(outer[1], &pair); err != nil || len(pair) != 2 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(pair[0], &in.ID); err != nil {
		return ErrBadBatch
	}
	return json.Unmarshal(pair[1], &in.Value)
}

func (d Deletion) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.ID, d.Key})
}

func (d *Deletion) UnmarshalJSON(data []byte) error {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil || len(outer) != 2 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[0], &d.ID); err != nil {
		return ErrBadBatch
	}
	return json.Unmarshal(outer[1], &d.Key)
}

func (b Batch) MarshalJSON() ([]byte, error) {
	ins := b.Insertions
	if ins == nil {
		ins = []Insertion{}
	}
	dels := b.Deletions
	if dels == nil {
		dels = []Deletion{}
	}
	return json.Marshal([]any{ins, dels})
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil || len(outer) != 2 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[0], &b.Insertions); err != nil {
		return ErrBadBatch
	}
	return json.Unmarshal(outer[1], &b.Deletions)
}

// Empty reports whether the batch carries no operations.
func (b Batch) Empty() bool {
	return len(b.Insertions) == 0 && len(b.Deletions) == 0
}

// SignedInsertion is an Insertion plus the signature authorizing it.
type SignedInsertion struct {
	Signature string
	ID        string
	Key       string
	Value     any
}

// SignedDeletion is a Deletion plus the signature authorizing it.
type SignedDeletion struct {
	Signature string
	ID        string
	Key       string
}

type SignedBatch struct {
	Insertions []SignedInsertion
	Deletions  []SignedDeletion
}

func (in SignedInsertion) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{in.Signature, in.ID, in.Key, in.Value})
}

func (in *SignedInsertion) UnmarshalJSON(data []byte) error {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil || len(outer) != 4 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[0], &in.Signature); err != nil {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[1], &in.ID); err != nil {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[2], &in.Key); err != nil {
		return ErrBadBatch
	}
	return json.Unmarshal(outer[3], &in.Value)
}

func (d SignedDeletion) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.Signature, d.ID, d.Key})
}

func (d *SignedDeletion) UnmarshalJSON(data []byte) error {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil || len(outer) != 3 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[0], &d.Signature); err != nil {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[1], &d.ID); err != nil {
		return ErrBadBatch
	}
	return json.Unmarshal(outer[2], &d.Key)
}

func (b SignedBatch) MarshalJSON() ([]byte, error) {
	ins := b.Insertions
	if ins == nil {
		ins = []SignedInsertion{}
	}
	dels := b.Deletions
	if dels == nil {
		dels = []SignedDeletion{}
	}
	return json.Marshal([]any{ins, dels})
}

func (b *SignedBatch) UnmarshalJSON(data []byte) error {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil || len(outer) != 2 {
		return ErrBadBatch
	}
	if err := json.Unmarshal(outer[0], &b.Insertions); err != nil {
		return ErrBadBatch
	}
	return json.Unmarshal(outer[1], &b.Deletions)
}

func (b SignedBatch) Empty() bool {
	return len(b.Insertions) == 0 && len(b.Deletions) == 0
}

// Unsigned strips the signatures for delegation to the unsigned core.
func (b SignedBatch) Unsigned() Batch {
	out := Batch{}
	for _, in := range b.Insertions {
		out.Insertions = append(out.Insertions, Insertion{Key: in.Key, ID: in.ID, Value: in.Value})
	}
	for _, d := range b.Deletions {
		out.Deletions = append(out.Deletions, Deletion{ID: d.ID, Key: d.Key})
	}
	return out
}
