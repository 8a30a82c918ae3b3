package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/castellan/castellan/internal/supervisor"
)

const systemPrompt = `You are a security reviewer for tool definitions exposed over the Model Context Protocol.
Given one tool definition, respond with a single JSON object and nothing else:
{"is_read": bool, "is_write": bool, "idempotent": bool, "reversible": bool, "category": string, "sensitive": bool}

Definitions:
- is_read: the tool only observes state (queries, reads, lists).
- is_write: the tool mutates state anywhere (filesystem, network, database, external services).
- idempotent: repeating the call with identical arguments has no additional effect.
- reversible: the effect can be undone by an ordinary follow-up action.
- category: one short lowercase label, e.g. "filesystem", "network", "database", "shell", "messaging".
- sensitive: true when the tool can touch credentials, secrets, payments, or destroy data.

Judge conservatively: when unsure, prefer is_write=true, reversible=false, sensitive=true.`

func buildPrompt(tool supervisor.ToolDescriptor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool name: %s\n", tool.Name)
	fmt.Fprintf(&sb, "Description: %s\n", tool.Description)
	if len(tool.InputSchema) > 0 {
		schema, _ := json.Marshal(tool.InputSchema)
		fmt.Fprintf(&sb, "Input schema: %s\n", schema)
	}
	return sb.String()
}

// parseClassification extracts the JSON verdict from a model reply,
// tolerating surrounding prose or code fences.
func parseClassification(text string) (Classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Classification{}, fmt.Errorf("no JSON object in reply %q", text)
	}

	var cl Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &cl); err != nil {
		return Classification{}, fmt.Errorf("decoding verdict: %w", err)
	}
	return cl, nil
}
