// Package workflow builds and executes multi-agent orchestrations.
//
// A Strategy turns a workflow definition and its resolved agents into
// a runnable Graph; the Engine runs the graph, streams typed events,
// mirrors them onto the event bus and extracts the final output. Six
// strategies are built in: sequential, parallel, group_chat, handoff,
// router and magentic.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

// EventType identifies a stream event emitted during a run.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventExecutorInvoked   EventType = "executor_invoked"
	EventAgentRunUpdate    EventType = "agent_run_update"
	EventExecutorCompleted EventType = "executor_completed"
	EventWorkflowOutput    EventType = "workflow_output"
	EventWorkflowStatus    EventType = "workflow_status"
	EventWorkflowError     EventType = "workflow_error"
)

// Event is one unit of a run's stream. ExecutorID and AgentName are
// set on executor-scoped events, Chunk carries agent_run_update text,
// Data carries the completed value, output or status payload. Err is
// set only on workflow_error.
type Event struct {
	Type       EventType
	ExecutorID string
	AgentName  string
	Chunk      string
	Data       any
	Timestamp  time.Time
	Err        error
}

// Outcome records one completed executor dispatch.
type Outcome struct {
	ExecutorID string
	AgentName  string
	Result     *agent.RunResult
	Duration   time.Duration
}

// Result is the outcome of a blocking run.
type Result struct {
	// Output is the final text, extracted by the output ladder.
	Output string

	// Value is the raw payload Output was rendered from. Sequential
	// runs carry the grown conversation here, parallel runs the list
	// of branch responses.
	Value any

	Events     []Event
	Outcomes   []*Outcome
	TokensUsed int
	Duration   time.Duration
}

// extractOutput picks the run's final output. First non-empty wins:
// the last explicit output event, the last run result's value, the
// text of that result's last message, the last event's data.
func extractOutput(events []Event, outcomes []*Outcome) (any, string) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventWorkflowOutput && events[i].Data != nil {
			return events[i].Data, OutputText(events[i].Data)
		}
	}
	if len(outcomes) > 0 {
		last := outcomes[len(outcomes)-1].Result
		if last != nil {
			if last.Value != "" {
				return last.Value, last.Value
			}
			if text := latestText(last.Messages); text != "" {
				return text, text
			}
		}
	}
	if len(events) > 0 {
		data := events[len(events)-1].Data
		return data, OutputText(data)
	}
	return nil, ""
}

// OutputText renders an output payload as text. A conversation
// payload reads as its final message; other lists and maps are
// JSON-encoded so multi-branch outputs stay machine-readable.
func OutputText(v any) string {
	if messages, ok := v.([]llms.Message); ok {
		return latestText(messages)
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}

// latestText returns the content of the newest message.
func latestText(messages []llms.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}
