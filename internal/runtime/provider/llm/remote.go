package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

// SystemPrompt instructs a chat model to classify one caller utterance.
const SystemPrompt = `You are the voice assistant of a phone support line. Map the caller's utterance to an intent and a short spoken reply.
Known intents: account_balance, payments, connect_agent, greeting, unknown.
Answer with a JSON object {"intent": "...", "reply": "...", "escalate": false}. Set escalate to true only when the caller asks for a human.`

// Remote generates responses with a cloud chat model.
type Remote struct {
	Backend contracts.ChatModel
}

func (r Remote) Generate(ctx context.Context, text string, rc contracts.RespondContext) (contracts.Response, error) {
	user := fmt.Sprintf("User utterance: %s\n\nReturn JSON with keys intent and reply. Keep reply short.", text)
	content, err := r.Backend.Complete(ctx, SystemPrompt, user)
	if err != nil {
		return contracts.Response{}, err
	}
	resp, ok := ParseIntentReply(content)
	if !ok {
		resp = contracts.Response{Intent: IntentUnknown, Reply: strings.TrimSpace(content)}
	}
	if resp.Reply == "" {
		return contracts.Response{}, fmt.Errorf("%s intent %q: %w", r.Backend.ProviderID(), resp.Intent, contracts.ErrEmptyResult)
	}
	return resp, nil
}

// ParseIntentReply reads a model answer as a JSON object first, then as
// "intent:"/"reply:" lines where unlabelled lines extend the reply.
// It reports false when neither yields an intent or a reply.
func ParseIntentReply(content string) (contracts.Response, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return contracts.Response{}, false
	}
	if resp, ok := parseJSONReply(trimmed); ok {
		return resp, true
	}

	var intent string
	var replyLines []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "intent:"):
			intent = strings.TrimSpace(line[len("intent:"):])
		case strings.HasPrefix(lower, "reply:"):
			replyLines = append(replyLines, strings.TrimSpace(line[len("reply:"):]))
		default:
			replyLines = append(replyLines, line)
		}
	}
	reply := strings.TrimSpace(strings.Join(replyLines, " "))
	if intent == "" && reply == "" {
		return contracts.Response{}, false
	}
	return finish(contracts.Response{Intent: intent, Reply: reply}), true
}

func parseJSONReply(content string) (contracts.Response, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return contracts.Response{}, false
	}
	var resp contracts.Response
	if err := json.Unmarshal([]byte(content[start:end+1]), &resp); err != nil {
		return contracts.Response{}, false
	}
	resp.Intent = strings.TrimSpace(resp.Intent)
	resp.Reply = strings.TrimSpace(resp.Reply)
	if resp.Intent == "" && resp.Reply == "" {
		return contracts.Response{}, false
	}
	return finish(resp), true
}

func finish(resp contracts.Response) contracts.Response {
	if resp.Intent == "" {
		resp.Intent = IntentUnknown
	}
	if resp.Intent == IntentConnectAgent {
		resp.Escalate = true
	}
	return resp
}

// Resilient is the Responder handed to the orchestrator. Empty input is
// answered without a backend call and backend failures fall back to Respond.
type Resilient struct {
	Backend contracts.Responder
	Logger  *slog.Logger
}

func (r *Resilient) Generate(ctx context.Context, text string, rc contracts.RespondContext) (resp contracts.Response, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Respond(""), nil
	}
	if r.Backend == nil {
		return Respond(text), nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger().Warn("responder panicked", "call_id", rc.CallID, "panic", fmt.Sprint(recovered))
			resp, err = Respond(text), nil
		}
	}()
	got, backendErr := r.Backend.Generate(ctx, text, rc)
	if backendErr != nil {
		r.logger().Warn("response generation failed, using rules",
			"call_id", rc.CallID,
			"outcome_class", contracts.ClassOf(backendErr),
			"error", backendErr,
		)
		return Respond(text), nil
	}
	if strings.TrimSpace(got.Reply) == "" {
		r.logger().Warn("responder returned no reply, using rules", "call_id", rc.CallID, "intent", got.Intent)
		return Respond(text), nil
	}
	return got, nil
}

func (r *Resilient) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}
