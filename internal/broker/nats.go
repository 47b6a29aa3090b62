package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig names the JetStream resources the broker uses.
type NATSConfig struct {
	// ResponseBucket is the KV bucket holding responses keyed by request id.
	ResponseBucket string `yaml:"response_bucket" env:"RESPONSE_BUCKET"`
	// ReadySubject receives one message per readiness signal.
	ReadySubject string `yaml:"ready_subject" env:"READY_SUBJECT"`
}

// readyMessage is the payload published on the ready subject.
type readyMessage struct {
	WorkflowInstanceID string `json:"workflow_instance_id"`
}

// NATSBroker reads responses from a JetStream KV bucket and publishes
// readiness signals on a subject.
type NATSBroker struct {
	nc  *nats.Conn
	kv  jetstream.KeyValue
	cfg NATSConfig
}

var _ Broker = (*NATSBroker)(nil)

// NewNATSBroker ensures the response bucket exists and returns a broker.
func NewNATSBroker(ctx context.Context, nc *nats.Conn, cfg NATSConfig) (*NATSBroker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, cfg.ResponseBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.ResponseBucket,
			Description: "async request responses",
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("ensure KV %s: %w", cfg.ResponseBucket, err)
	}
	return &NATSBroker{nc: nc, kv: kv, cfg: cfg}, nil
}

func (b *NATSBroker) GetResponse(ctx context.Context, requestID string) (*Response, error) {
	entry, err := b.kv.Get(ctx, requestID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return &Response{Status: StatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get response %s: %w", requestID, err)
	}
	return decodeResponse(requestID, entry.Value())
}

// PutResponse stores a response. Producers of external results call it.
func (b *NATSBroker) PutResponse(ctx context.Context, requestID string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = b.kv.Put(ctx, requestID, data)
	return err
}

func (b *NATSBroker) SignalReady(_ context.Context, instanceID string) error {
	data, err := json.Marshal(readyMessage{WorkflowInstanceID: instanceID})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.cfg.ReadySubject, data); err != nil {
		return fmt.Errorf("publish ready %s: %w", instanceID, err)
	}
	return nil
}
