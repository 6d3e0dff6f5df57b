// Package streaming coalesces the engine's low-level event stream
// into per-executor messages suitable for terminals and transports.
//
// An Aggregator keeps an append buffer per executor and a cursor for
// the executor currently producing output. Feeding it one workflow
// event yields zero or more StreamMessages depending on the
// configured verbosity; the buffers are maintained at every
// verbosity so an executor_complete message always carries the full
// concatenated text of the updates that preceded it.
//
// Aggregators are single-stream state machines: give each event
// stream its own instance. Clear resets one for reuse.
package streaming

import (
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/workflow"
)

// Verbosity selects how much of the stream becomes output.
type Verbosity string

const (
	// VerbosityMinimal emits only the final workflow output.
	VerbosityMinimal Verbosity = "minimal"

	// VerbosityNormal emits executor starts and completions, status
	// lines and the final output.
	VerbosityNormal Verbosity = "normal"

	// VerbosityDebug additionally emits every partial update.
	VerbosityDebug Verbosity = "debug"
)

// ParseVerbosity maps a flag value onto a Verbosity. The empty string
// means normal.
func ParseVerbosity(s string) (Verbosity, error) {
	switch Verbosity(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return VerbosityNormal, nil
	case VerbosityMinimal:
		return VerbosityMinimal, nil
	case VerbosityNormal:
		return VerbosityNormal, nil
	case VerbosityDebug:
		return VerbosityDebug, nil
	default:
		return "", fmt.Errorf("unknown verbosity %q (want minimal, normal or debug)", s)
	}
}

// MessageType classifies an aggregator output message.
type MessageType string

const (
	MessageExecutorStart    MessageType = "executor_start"
	MessageExecutorUpdate   MessageType = "executor_update"
	MessageExecutorComplete MessageType = "executor_complete"
	MessageWorkflowOutput   MessageType = "workflow_output"
	MessageWorkflowStatus   MessageType = "workflow_status"
)

// StreamMessage is one coherent unit of output.
type StreamMessage struct {
	ExecutorID string         `json:"executor_id,omitempty"`
	Content    string         `json:"content"`
	IsComplete bool           `json:"is_complete"`
	EventType  MessageType    `json:"event_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Aggregator folds workflow events into StreamMessages. Not safe for
// concurrent use.
type Aggregator struct {
	verbosity Verbosity
	buffers   map[string]*strings.Builder
	current   string
}

// New creates an aggregator at the given verbosity.
func New(verbosity Verbosity) *Aggregator {
	return &Aggregator{
		verbosity: verbosity,
		buffers:   make(map[string]*strings.Builder),
	}
}

// Clear resets all buffers and the cursor so the aggregator can serve
// a fresh stream.
func (a *Aggregator) Clear() {
	a.buffers = make(map[string]*strings.Builder)
	a.current = ""
}

// Feed consumes one event and returns the messages it produces at the
// configured verbosity.
func (a *Aggregator) Feed(ev workflow.Event) []StreamMessage {
	switch ev.Type {
	case workflow.EventWorkflowStarted:
		return a.filter(StreamMessage{
			EventType:  MessageWorkflowStatus,
			Content:    "Workflow iniciado",
			IsComplete: true,
			Metadata:   kindMetadata(ev),
		})

	case workflow.EventExecutorInvoked:
		a.buffers[ev.ExecutorID] = &strings.Builder{}
		a.current = ev.ExecutorID
		return a.filter(StreamMessage{
			EventType:  MessageExecutorStart,
			ExecutorID: ev.ExecutorID,
			Metadata:   agentMetadata(ev),
		})

	case workflow.EventAgentRunUpdate:
		id := a.locate(ev.ExecutorID)
		a.buffer(id).WriteString(ev.Chunk)
		return a.filter(StreamMessage{
			EventType:  MessageExecutorUpdate,
			ExecutorID: id,
			Content:    ev.Chunk,
			Metadata:   agentMetadata(ev),
		})

	case workflow.EventExecutorCompleted:
		id := a.locate(ev.ExecutorID)
		content := a.buffer(id).String()
		if content == "" {
			content = workflow.OutputText(ev.Data)
		}
		delete(a.buffers, id)
		if a.current == id {
			a.current = ""
		}
		return a.filter(StreamMessage{
			EventType:  MessageExecutorComplete,
			ExecutorID: id,
			Content:    content,
			IsComplete: true,
			Metadata:   agentMetadata(ev),
		})

	case workflow.EventWorkflowOutput:
		return a.filter(StreamMessage{
			EventType:  MessageWorkflowOutput,
			Content:    workflow.OutputText(ev.Data),
			IsComplete: true,
		})

	case workflow.EventWorkflowStatus:
		return a.filter(StreamMessage{
			EventType:  MessageWorkflowStatus,
			ExecutorID: ev.ExecutorID,
			Content:    workflow.OutputText(ev.Data),
			IsComplete: true,
		})

	case workflow.EventWorkflowError:
		// The message vocabulary has no error type; failures surface
		// as a status line so terminals still show them.
		return a.filter(StreamMessage{
			EventType:  MessageWorkflowStatus,
			Content:    "Error: " + workflow.OutputText(ev.Data),
			IsComplete: true,
			Metadata:   map[string]any{"error": true},
		})
	}

	return nil
}

// locate attributes an event to an executor: its own id when set,
// otherwise the cursor.
func (a *Aggregator) locate(id string) string {
	if id != "" {
		return id
	}
	return a.current
}

func (a *Aggregator) buffer(id string) *strings.Builder {
	b, ok := a.buffers[id]
	if !ok {
		b = &strings.Builder{}
		a.buffers[id] = b
	}
	return b
}

// filter applies the verbosity policy to a candidate message.
func (a *Aggregator) filter(msg StreamMessage) []StreamMessage {
	switch a.verbosity {
	case VerbosityMinimal:
		if msg.EventType != MessageWorkflowOutput {
			return nil
		}
	case VerbosityDebug:
		// Everything passes.
	default:
		if msg.EventType == MessageExecutorUpdate {
			return nil
		}
	}
	return []StreamMessage{msg}
}

func agentMetadata(ev workflow.Event) map[string]any {
	if ev.AgentName == "" {
		return nil
	}
	return map[string]any{"agent_name": ev.AgentName}
}

func kindMetadata(ev workflow.Event) map[string]any {
	kind := workflow.OutputText(ev.Data)
	if kind == "" {
		return nil
	}
	return map[string]any{"workflow_kind": kind}
}
