package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Message is the wire form of a workflow event.
type Message struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId,omitempty"`
	Type       string    `json:"type"`
	Workflow   string    `json:"workflow"`
	NodeID     string    `json:"nodeId,omitempty"`
	OldState   string    `json:"oldState,omitempty"`
	NewState   string    `json:"newState,omitempty"`
	Connection string    `json:"connection,omitempty"`
	Message    string    `json:"message,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	Origin     string    `json:"origin,omitempty"` // composite node that caused the event
	Time       time.Time `json:"time"`
}

// NewMessage converts ev for publishing.
func NewMessage(ev workflow.Event, runID string) Message {
	msg := Message{
		ID:       uuid.NewString(),
		RunID:    runID,
		Type:     ev.Type.String(),
		Workflow: ev.Workflow.String(),
		Time:     ev.Time.UTC(),
	}
	if !ev.NodeID.IsZero() {
		msg.NodeID = ev.NodeID.String()
	}
	if !ev.Origin.IsUser() {
		msg.Origin = ev.Origin.Node().String()
	}

	switch ev.Type {
	case workflow.EventNodeStateChanged:
		msg.OldState = ev.OldState.String()
		msg.NewState = ev.NewState.String()
	case workflow.EventNodeMessageChanged:
		msg.Message = ev.Message.String()
	case workflow.EventNodeExecuted:
		msg.Outcome = ev.Status.Outcome.String()
		if ev.Status.Err != nil {
			msg.Error = ev.Status.Err.Error()
		}
	case workflow.EventConnectionAdded, workflow.EventConnectionRemoved:
		if ev.Connection != nil {
			msg.Connection = ev.Connection.String()
		}
	}
	return msg
}
