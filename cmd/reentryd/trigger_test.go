package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reentry/internal/broker"
	"github.com/rendis/reentry/internal/coordinator"
	"github.com/rendis/reentry/internal/engine"
	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

func newTriggerServer(t *testing.T) *triggerServer {
	t.Helper()
	reg := engine.NewRegistry()
	require.NoError(t, registerWorkflows(reg))
	st := store.NewMemoryStore()
	exec, err := engine.NewExecutor(st, nil, reg, coordinator.New(st, coordinator.Options{}), broker.NewMemoryBroker(),
		engine.Config{}, engine.Options{})
	require.NoError(t, err)
	return &triggerServer{exec: exec, logger: slog.New(slog.DiscardHandler)}
}

func TestTrigger_PingEchoesParams(t *testing.T) {
	srv := newTriggerServer(t)

	reply := srv.handle(context.Background(), []byte(`{"workflow_instance_id":"wi-1","capability":"reentry.ping","params":{"n":1}}`))
	require.Nil(t, reply.Error)
	require.NotNil(t, reply.Result)
	assert.Equal(t, schema.WorkflowStateSuccess, reply.Result.State)
	assert.JSONEq(t, `{"n":1}`, string(reply.Result.Output))
}

func TestTrigger_Ops(t *testing.T) {
	srv := newTriggerServer(t)
	ctx := context.Background()

	reply := srv.handle(ctx, []byte(`{"op":"cancel","workflow_instance_id":"missing"}`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeNotFound, reply.Error.Code)

	reply = srv.handle(ctx, []byte(`{"workflow_instance_id":"wi-1","capability":"reentry.ping"}`))
	require.NotNil(t, reply.Result)

	reply = srv.handle(ctx, []byte(`{"op":"retry","workflow_instance_id":"wi-1"}`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeInvalidState, reply.Error.Code)

	reply = srv.handle(ctx, []byte(`{"op":"explode","workflow_instance_id":"wi-1"}`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeNotSupported, reply.Error.Code)
}

func TestTrigger_RejectsMalformedMessages(t *testing.T) {
	srv := newTriggerServer(t)

	reply := srv.handle(context.Background(), []byte(`{`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeValidation, reply.Error.Code)

	reply = srv.handle(context.Background(), []byte(`{"workflow_instance_id":"wi-1","capability":"unknown"}`))
	require.NotNil(t, reply.Error)
	assert.Equal(t, schema.ErrCodeUnknownWorkflow, reply.Error.Code)
}

func TestReplyOf(t *testing.T) {
	p := replyOf(nil, schema.Postponed("busy", 0))
	require.NotNil(t, p.Postponed)
	assert.Equal(t, "busy", p.Postponed.Reason)

	f := replyOf(nil, schema.WorkflowFailed(schema.ActivityFailed(schema.FailCategoryBusiness, "declined", "")))
	require.NotNil(t, f.Failed)
	assert.Nil(t, f.Postponed)

	e := replyOf(nil, assert.AnError)
	require.NotNil(t, e.Error)
	assert.Equal(t, schema.ErrCodeStore, e.Error.Code)
}
