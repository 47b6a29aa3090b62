// Package broker connects the engine to the asynchronous request/response
// broker that dispatches external calls and triggers reentries.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Status is the state of a dispatched external request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Response is the broker's view of one external request.
type Response struct {
	Status Status          `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Broker looks up responses by request id and accepts readiness signals.
type Broker interface {
	// GetResponse reports the state of requestID. Unknown requests are pending.
	GetResponse(ctx context.Context, requestID string) (*Response, error)
	// SignalReady tells the broker instanceID can be reentered now.
	SignalReady(ctx context.Context, instanceID string) error
}

func decodeResponse(requestID string, data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response %s: %w", requestID, err)
	}
	switch resp.Status {
	case StatusPending, StatusCompleted, StatusFailed:
	case "":
		resp.Status = StatusPending
	default:
		return nil, fmt.Errorf("response %s: unknown status %q", requestID, resp.Status)
	}
	return &resp, nil
}

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu        sync.Mutex
	responses map[string]Response
	ready     []string
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{responses: make(map[string]Response)}
}

// Complete records a successful response.
func (b *MemoryBroker) Complete(requestID string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[requestID] = Response{Status: StatusCompleted, Body: raw}
	return nil
}

// Fail records a failed response.
func (b *MemoryBroker) Fail(requestID, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[requestID] = Response{Status: StatusFailed, Error: message}
}

func (b *MemoryBroker) GetResponse(_ context.Context, requestID string) (*Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, ok := b.responses[requestID]
	if !ok {
		return &Response{Status: StatusPending}, nil
	}
	return &resp, nil
}

func (b *MemoryBroker) SignalReady(_ context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, instanceID)
	return nil
}

// Ready returns the instance ids signalled so far, in order.
func (b *MemoryBroker) Ready() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ready)
}
