// Package reporting sends node execution failures to Sentry.
package reporting

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// SentryReporter captures failed node executions. Cancelled executions are
// not reported.
type SentryReporter struct {
	hub      *sentry.Hub
	workflow string
	logger   *zap.Logger
	reported atomic.Int64
}

var _ workflow.Listener = (*SentryReporter)(nil)

// NewSentryReporter creates a reporter with its own hub, so several
// reporters can live in one process. An empty DSN disables sending.
func NewSentryReporter(opts sentry.ClientOptions, workflowName string, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	scope := sentry.NewScope()
	scope.SetTag("workflow", workflowName)
	return &SentryReporter{
		hub:      sentry.NewHub(client, scope),
		workflow: workflowName,
		logger:   logger,
	}, nil
}

// OnEvent reports EventNodeExecuted events with a failure outcome.
func (r *SentryReporter) OnEvent(ev workflow.Event) {
	if ev.Type != workflow.EventNodeExecuted || ev.Status.Outcome != workflow.OutcomeFailure {
		return
	}
	err := ev.Status.Err
	if err == nil {
		err = fmt.Errorf("node %s failed: %s", ev.NodeID, ev.Message.Text)
	}

	var id *sentry.EventID
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("node_id", ev.NodeID.String())
		scope.SetTag("parent_workflow", ev.Workflow.String())
		if !ev.Origin.IsUser() {
			scope.SetTag("composite", ev.Origin.Node().String())
		}
		scope.SetContext("node", sentry.Context{
			"message": ev.Message.Text,
			"time":    ev.Time.UTC().Format(time.RFC3339Nano),
		})
		id = r.hub.CaptureException(err)
	})
	r.reported.Add(1)

	fields := []zap.Field{zap.String("node_id", ev.NodeID.String()), zap.Error(err)}
	if id != nil {
		fields = append(fields, zap.String("sentry_event_id", string(*id)))
	}
	r.logger.Debug("Reported node failure", fields...)
}

// ReportLoad captures the error entries of a load result as one message.
// It returns false when there was nothing to report.
func (r *SentryReporter) ReportLoad(res *persistence.LoadResult) bool {
	if res == nil || !res.HasErrors() {
		return false
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetContext("load", sentry.Context{
			"messages":    res.Messages(persistence.SeverityWarning),
			"needs_reset": res.NeedsReset(),
		})
		r.hub.CaptureMessage(fmt.Sprintf("workflow %s loaded with errors", r.workflow))
	})
	r.reported.Add(1)
	return true
}

// Reported returns the number of captured events.
func (r *SentryReporter) Reported() int64 { return r.reported.Load() }

// Flush waits up to timeout for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
