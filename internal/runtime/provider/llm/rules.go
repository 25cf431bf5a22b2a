// Package llm provides the Responder strategies selected at startup.
package llm

import (
	"context"
	"strings"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

const (
	IntentNone           = "none"
	IntentUnknown        = "unknown"
	IntentAccountBalance = "account_balance"
	IntentPayments       = "payments"
	IntentConnectAgent   = "connect_agent"
	IntentGreeting       = "greeting"

	// SilenceReply answers empty caller input.
	SilenceReply = "I didn't hear anything."
	// UnknownReply answers input no rule matches.
	UnknownReply = "Sorry, I didn't understand that. Could you repeat?"
)

type rule struct {
	keywords []string
	response contracts.Response
}

// Evaluated in order; the first rule with any keyword contained in the
// lowercased text wins.
var ruleTable = []rule{
	{
		keywords: []string{"balance", "account"},
		response: contracts.Response{Intent: IntentAccountBalance, Reply: "Your account balance is ₹3,420."},
	},
	{
		keywords: []string{"payment", "bill"},
		response: contracts.Response{Intent: IntentPayments, Reply: "You can make payments via the web portal. Would you like a link?"},
	},
	{
		keywords: []string{"agent", "human", "representative"},
		response: contracts.Response{Intent: IntentConnectAgent, Reply: "Connecting you to an agent.", Escalate: true},
	},
	{
		keywords: []string{"hello", "hi"},
		response: contracts.Response{Intent: IntentGreeting, Reply: "Hello! How can I help you today?"},
	},
}

// Respond applies the keyword rule table. It is pure and deterministic.
func Respond(text string) contracts.Response {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return contracts.Response{Intent: IntentNone, Reply: SilenceReply}
	}
	for _, r := range ruleTable {
		for _, keyword := range r.keywords {
			if strings.Contains(normalized, keyword) {
				return r.response
			}
		}
	}
	return contracts.Response{Intent: IntentUnknown, Reply: UnknownReply}
}

// Rules is the offline Responder.
type Rules struct{}

func (Rules) Generate(_ context.Context, text string, _ contracts.RespondContext) (contracts.Response, error) {
	return Respond(text), nil
}
