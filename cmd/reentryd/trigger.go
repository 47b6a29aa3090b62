package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/rendis/reentry/internal/engine"
	"github.com/rendis/reentry/pkg/schema"
)

const (
	opReenter = "reenter"
	opCancel  = "cancel"
	opRetry   = "retry"
)

// triggerMessage is the request the broker sends on the trigger subject.
type triggerMessage struct {
	Op         string          `json:"op,omitempty"`
	InstanceID string          `json:"workflow_instance_id"`
	Capability string          `json:"capability,omitempty"`
	Title      string          `json:"title,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// replyMessage answers a trigger. At most one of Postponed, Failed and Error is set.
type replyMessage struct {
	Result    *engine.Result              `json:"result,omitempty"`
	Postponed *schema.PostponedError      `json:"postponed,omitempty"`
	Failed    *schema.WorkflowFailedError `json:"failed,omitempty"`
	Error     *schema.Error               `json:"error,omitempty"`
}

type instanceController interface {
	Reenter(ctx context.Context, tr engine.Trigger) (*engine.Result, error)
	Cancel(ctx context.Context, instanceID string) error
	Retry(ctx context.Context, instanceID string) error
}

type triggerServer struct {
	exec   instanceController
	logger *slog.Logger
}

func (s *triggerServer) handle(ctx context.Context, data []byte) replyMessage {
	var msg triggerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return replyMessage{Error: schema.NewErrorf(schema.ErrCodeValidation, "decode trigger: %s", err.Error())}
	}

	var (
		res *engine.Result
		err error
	)
	switch msg.Op {
	case "", opReenter:
		res, err = s.exec.Reenter(ctx, engine.Trigger{
			InstanceID: msg.InstanceID,
			Capability: msg.Capability,
			Title:      msg.Title,
			Params:     engine.Params(msg.Params),
			Managed:    true,
		})
	case opCancel:
		err = s.exec.Cancel(ctx, msg.InstanceID)
	case opRetry:
		err = s.exec.Retry(ctx, msg.InstanceID)
	default:
		err = schema.NewErrorf(schema.ErrCodeNotSupported, "unknown op %q", msg.Op)
	}
	return replyOf(res, err)
}

func replyOf(res *engine.Result, err error) replyMessage {
	reply := replyMessage{Result: res}
	if err == nil {
		return reply
	}
	if wf, ok := schema.AsWorkflowFailed(err); ok {
		reply.Failed = wf
		return reply
	}
	if p, ok := schema.AsPostponed(err); ok {
		reply.Postponed = p
		return reply
	}
	var se *schema.Error
	if errors.As(err, &se) {
		reply.Error = se
		return reply
	}
	reply.Error = schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
	return reply
}

// subscribe answers triggers on subject within the queue group until the
// subscription is drained. Handlers run on the subscription goroutine.
func (s *triggerServer) subscribe(ctx context.Context, nc *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		reply := s.handle(ctx, m.Data)
		s.log(ctx, reply)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("encode reply", slog.String("error", err.Error()))
			return
		}
		if err := m.Respond(data); err != nil {
			s.logger.Warn("respond to trigger", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (s *triggerServer) log(ctx context.Context, reply replyMessage) {
	switch {
	case reply.Error != nil:
		s.logger.ErrorContext(ctx, "trigger failed", slog.String("code", reply.Error.Code), slog.String("error", reply.Error.Message))
	case reply.Failed != nil:
		s.logger.InfoContext(ctx, "workflow failed", slog.String("category", string(reply.Failed.Category)))
	case reply.Postponed != nil:
		s.logger.DebugContext(ctx, "workflow postponed", slog.String("reason", reply.Postponed.Reason))
	}
}
