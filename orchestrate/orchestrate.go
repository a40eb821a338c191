// Package orchestrate is the thin facade the service layer uses to drive the
// event lifecycle workflows: start, signal, query, terminate. Signal and
// start return once Temporal has durably recorded the request, not once the
// workflow handler has run.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/soonishlabs/soonish/activity"
	"github.com/soonishlabs/soonish/workflow"
)

// ErrWorkflowNotFound is returned when the workflow id names no execution.
var ErrWorkflowNotFound = errors.New("orchestrate: workflow not found")

// Facade drives event workflows over a Temporal client.
type Facade struct {
	client    client.Client
	taskQueue string
}

// New constructs a Facade.
func New(c client.Client, taskQueue string) *Facade {
	return &Facade{client: c, taskQueue: taskQueue}
}

// StartEvent launches the lifecycle workflow for an event under the given
// workflow id. The execution timeout is bounded a day past the event's end
// when one is known, otherwise slightly past the default maximum wait.
func (f *Facade) StartEvent(ctx context.Context, eventID int64, snapshot *activity.EventDetails, workflowID string) error {
	timeout := executionTimeout(time.Now(), snapshot)
	_, err := f.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                f.taskQueue,
		WorkflowExecutionTimeout: timeout,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}, workflow.EventWorkflowName, workflow.EventInput{EventID: eventID, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("orchestrate: start event %d: %w", eventID, err)
	}
	return nil
}

// executionTimeout bounds the workflow execution one day past the event's
// end when one is known, otherwise one day past the default maximum wait.
func executionTimeout(now time.Time, snapshot *activity.EventDetails) time.Duration {
	if snapshot != nil && snapshot.EndDate != nil {
		if d := snapshot.EndDate.Sub(now); d > 0 {
			return d + 24*time.Hour
		}
		return 24 * time.Hour
	}
	return workflow.DefaultMaxWait + 24*time.Hour
}

// Signal delivers a named signal to the workflow. Signals sent to a finished
// or missing execution surface as ErrWorkflowNotFound.
func (f *Facade) Signal(ctx context.Context, workflowID, name string, payload any) error {
	if err := f.client.SignalWorkflow(ctx, workflowID, "", name, payload); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return ErrWorkflowNotFound
		}
		return fmt.Errorf("orchestrate: signal %s to %s: %w", name, workflowID, err)
	}
	return nil
}

// QueryStatus returns the workflow's current durable status.
func (f *Facade) QueryStatus(ctx context.Context, workflowID string) (*workflow.Status, error) {
	v, err := f.client.QueryWorkflow(ctx, workflowID, "", workflow.QueryGetStatus)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("orchestrate: query %s: %w", workflowID, err)
	}
	var status workflow.Status
	if err := v.Get(&status); err != nil {
		return nil, fmt.Errorf("orchestrate: decode status of %s: %w", workflowID, err)
	}
	return &status, nil
}

// Terminate forcibly ends the workflow. Used when an event is deleted rather
// than cancelled.
func (f *Facade) Terminate(ctx context.Context, workflowID, reason string) error {
	if err := f.client.TerminateWorkflow(ctx, workflowID, "", reason); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return ErrWorkflowNotFound
		}
		return fmt.Errorf("orchestrate: terminate %s: %w", workflowID, err)
	}
	return nil
}
