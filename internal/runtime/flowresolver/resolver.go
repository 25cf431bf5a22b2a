package flowresolver

import (
	"strings"

	"github.com/tiger/conversational-ivr/api/callflow"
)

// StartNodeID is the node consulted when no intent matches.
const StartNodeID = "start"

// Result is the override a flow proposes for one utterance.
type Result struct {
	Reply    string
	Escalate bool
	// Matched is true when a node produced the result. An unmatched result
	// has an empty reply and must not override anything.
	Matched bool
	NodeID  string
}

// Resolve scans nodes in stored order and returns the first node whose intent
// equals intent. Otherwise the first "start" node with a prompt-bearing type
// supplies its prompt with escalate=false. Matching ignores text.
func Resolve(flow callflow.Flow, intent string, text string) Result {
	intent = strings.TrimSpace(intent)
	if intent != "" {
		for _, node := range flow.Nodes {
			if strings.TrimSpace(node.Intent) == intent {
				return Result{Reply: node.Reply, Escalate: node.Escalate, Matched: true, NodeID: node.ID}
			}
		}
	}
	for _, node := range flow.Nodes {
		if node.ID != StartNodeID {
			continue
		}
		if node.PromptBearing() {
			return Result{Reply: node.Text, Matched: true, NodeID: node.ID}
		}
		break
	}
	return Result{}
}
