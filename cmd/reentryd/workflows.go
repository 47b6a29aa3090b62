package main

import (
	"context"
	"encoding/json"

	"github.com/rendis/reentry/internal/engine"
)

const pingCapability = "reentry.ping"

// pingWorkflow echoes its parameters through one memoized action. Operators
// use it to check a deployment end to end.
func pingWorkflow() engine.Workflow {
	return engine.WorkflowFunc{
		Desc: engine.Descriptor{
			Capability:   pingCapability,
			Title:        "Ping",
			MajorVersion: 1,
		},
		Fn: func(ctx context.Context, s *engine.Scope, params engine.Params) (any, error) {
			return engine.Execute[json.RawMessage](ctx, s, engine.NewAction("1", "echo",
				func(context.Context, *engine.Scope) (json.RawMessage, error) {
					if len(params) == 0 {
						return json.RawMessage(`{}`), nil
					}
					return json.RawMessage(params), nil
				}))
		},
	}
}

func registerWorkflows(reg *engine.Registry) error {
	for _, wf := range []engine.Workflow{pingWorkflow()} {
		if err := reg.Register(wf); err != nil {
			return err
		}
	}
	return nil
}
