package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rendis/reentry/internal/store"
)

// encodeSummary serializes a summary for fallback blob storage.
func encodeSummary(sum *store.WorkflowSummary) ([]byte, error) {
	data, err := msgpack.Marshal(sum)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return data, nil
}

func decodeSummary(data []byte) (*store.WorkflowSummary, error) {
	sum := store.NewWorkflowSummary()
	if err := msgpack.Unmarshal(data, sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

// summaryBatch turns a whole summary into a parent-ordered batch.
func summaryBatch(sum *store.WorkflowSummary) (*store.Batch, error) {
	b := &store.Batch{Form: &sum.Form, Version: &sum.Version, Instance: &sum.Instance}
	for _, af := range sortedValues(sum.ActivityForms) {
		b.ActivityForms = append(b.ActivityForms, af)
	}
	versions, err := parentFirst(sortedValues(sum.ActivityVersions))
	if err != nil {
		return nil, err
	}
	instances, err := parentFirst(sortedValues(sum.ActivityInstances))
	if err != nil {
		return nil, err
	}
	b.ActivityVersions = versions
	b.ActivityInstances = instances
	return b, nil
}
