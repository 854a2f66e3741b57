package odb

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/systemshift/memex-refs/internal/objid"
)

// Tag is an annotated tag: a named, messaged pointer to another object.
type Tag struct {
	Object  objid.ID
	Name    string
	Message string
	Tagged  time.Time
}

// tagEnvelope is the on-disk format for a tag object.
type tagEnvelope struct {
	V       int       `json:"v"`
	Object  string    `json:"object"`
	Tag     string    `json:"tag"`
	Message string    `json:"message,omitempty"`
	Tagged  time.Time `json:"tagged"`
}

// PutTag stores an annotated tag object pointing at tag.Object.
func (s *Store) PutTag(tag Tag) (objid.ID, error) {
	if tag.Tagged.IsZero() {
		tag.Tagged = time.Now().UTC()
	}
	data, err := CanonicalJSON(&tagEnvelope{
		V:       1,
		Object:  tag.Object.String(),
		Tag:     tag.Name,
		Message: tag.Message,
		Tagged:  tag.Tagged,
	})
	if err != nil {
		return objid.ID{}, errors.Wrap(err, "serialize tag")
	}
	return s.Put(KindTag, data)
}

// GetTag reads a tag object.
func (s *Store) GetTag(id objid.ID) (*Tag, error) {
	kind, payload, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if kind != KindTag {
		return nil, errors.Wrapf(ErrNotTag, "%s is a %s", id, kind)
	}
	return s.parseTag(payload)
}

func (s *Store) parseTag(payload []byte) (*Tag, error) {
	var env tagEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal tag")
	}
	target, err := s.algo.Parse(env.Object)
	if err != nil {
		return nil, errors.Wrap(err, "tag target")
	}
	return &Tag{Object: target, Name: env.Tag, Message: env.Message, Tagged: env.Tagged}, nil
}

// CanonicalJSON produces a deterministic JSON encoding with sorted keys.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Re-decode into ordered structure and re-encode
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canonicalEncode(raw)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(k)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			valBytes, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemBytes...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(v)
	}
}
