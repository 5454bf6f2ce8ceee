package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets lists the snapshot buckets in the order durable stores write them.
var Buckets = []string{
	"instance",
	"spaces",
	"projects",
	"experiments",
	"samples",
	"data_sets",
	"data_set_types",
	"sequences",
}

func (s *Snapshot) target(bucket string) any {
	switch bucket {
	case "instance":
		return &s.Instance
	case "spaces":
		return &s.Spaces
	case "projects":
		return &s.Projects
	case "experiments":
		return &s.Experiments
	case "samples":
		return &s.Samples
	case "data_sets":
		return &s.DataSets
	case "data_set_types":
		return &s.DataSetTypes
	case "sequences":
		return &s.Sequences
	}
	return nil
}

// DecodeBucket unmarshals a persisted bucket payload into the snapshot.
// Unknown buckets and empty payloads are ignored.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	target := s.target(bucket)
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}

// EncodeBucket marshals one bucket of the snapshot.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target := s.target(bucket)
	if target == nil {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", bucket, err)
	}
	return data, nil
}
