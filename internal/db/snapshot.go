package db

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// Snapshot is the complete current value under a subscribed path: the record
// at the path itself, if any, and every direct child keyed by its last segment.
type Snapshot struct {
	Path     string
	Value    bson.Raw
	Children map[string]bson.Raw
}

// Exists reports whether a record is stored at the snapshot's path.
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Decode decodes the record at the snapshot's path into out.
func (s Snapshot) Decode(out interface{}) error {
	if s.Value == nil {
		return fmt.Errorf("%s: %w", s.Path, ErrNotFound)
	}
	return bson.Unmarshal(s.Value, out)
}

// IDs returns the child ids in ascending order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Children))
	for id := range s.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DecodeAll decodes every child of the snapshot, ordered by id.
func DecodeAll[T any](s Snapshot) ([]T, error) {
	out := make([]T, 0, len(s.Children))
	for _, id := range s.IDs() {
		var item T
		if err := bson.Unmarshal(s.Children[id], &item); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", s.Path, id, err)
		}
		out = append(out, item)
	}
	return out, nil
}
