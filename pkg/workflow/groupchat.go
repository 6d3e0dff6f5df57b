package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

const defaultMaxRounds = 10

// groupChatStrategy lets a synthesised manager pick the next speaker
// each round. The chat ends when the termination condition appears in
// the newest participant message or the round budget runs out; either
// way the last speaker's response is the output. The user input is
// never matched against the condition, so a request that mentions the
// keyword still gets at least one round.
type groupChatStrategy struct{}

func (groupChatStrategy) Kind() config.WorkflowKind { return config.WorkflowGroupChat }

func (groupChatStrategy) Validate(def *config.WorkflowDefinition) []error {
	var errs []error
	if len(def.Steps) == 0 {
		errs = append(errs, fmt.Errorf("group_chat workflow: at least one step is required"))
	}
	if len(def.Steps) == 1 {
		slog.Warn("group_chat workflow has a single participant")
	}
	if def.ManagerModelRef == "" {
		slog.Warn("group_chat workflow has no manager_model_ref; the first participant's model drives the manager")
	}
	errs = append(errs, rejectHumanSteps(config.WorkflowGroupChat, def)...)
	return errs
}

func (groupChatStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	if b.Manager == nil {
		return nil, newError(string(def.Kind), "no manager agent resolved", errkind.ConfigInvalid, nil)
	}
	steps := def.Steps
	rounds := def.MaxRounds
	if rounds <= 0 {
		rounds = defaultMaxRounds
	}

	g := newGraph(def, b)
	g.run = func(ctx context.Context, st *runState) error {
		roster := rosterLines(steps, b.Agents)
		var last *agent.RunResult

		for round := 1; round <= rounds; round++ {
			if last != nil && terminated(def.TerminationCondition, latestText(st.conversation)) {
				break
			}

			speakerID, err := selectSpeaker(ctx, b.Manager, st.conversation, roster)
			if err != nil {
				return err
			}
			speaker, ok := b.Agents[speakerID]
			if !ok {
				return newError(string(def.Kind),
					fmt.Sprintf("manager selected unknown participant %q", speakerID),
					errkind.ReferenceUnresolved, nil)
			}

			result, err := st.dispatch(ctx, speakerID, speaker, st.conversation)
			if err != nil {
				return err
			}
			for i := range result.Messages {
				if result.Messages[i].Role == llms.RoleAssistant {
					result.Messages[i].Name = speaker.Name
				}
			}
			st.conversation = append(st.conversation, result.Messages...)
			last = result
		}

		if last == nil {
			return newError(string(def.Kind), "chat ended before any participant spoke", errkind.Unknown, nil)
		}
		st.event(Event{Type: EventWorkflowOutput, Data: last.Value})
		return nil
	}
	return g, nil
}

// selectSpeaker asks the manager for the next participant id. Manager
// turns run outside dispatch: they emit no executor events and do not
// count against the iteration budget.
func selectSpeaker(ctx context.Context, manager *agent.Agent, conversation []llms.Message, roster string) (string, error) {
	ask := fmt.Sprintf("Select who speaks next.\nParticipants:\n%s\nReply with exactly one participant id and nothing else.", roster)
	result, err := askManager(ctx, manager, conversation, ask)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Value), nil
}

// askManager runs the manager over the conversation plus one closing
// instruction.
func askManager(ctx context.Context, manager *agent.Agent, conversation []llms.Message, ask string) (*agent.RunResult, error) {
	prompt := make([]llms.Message, 0, len(conversation)+1)
	prompt = append(prompt, conversation...)
	prompt = append(prompt, llms.NewUserMessage(ask))

	result, err := manager.Run(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	return result, nil
}

// rosterLines renders the participant list the manager chooses from.
func rosterLines(steps []config.WorkflowStep, agents map[string]*agent.Agent) string {
	var sb strings.Builder
	for i := range steps {
		a, ok := agents[steps[i].ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", steps[i].ID, a.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// terminated reports whether the termination condition appears in the
// newest message, case-insensitively.
func terminated(condition, text string) bool {
	if condition == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(condition))
}
