package agent

import (
	"fmt"
	"strings"

	"loom/internal/tools"
)

const systemPromptTemplate = `You are a coding assistant working inside a hosted project workspace.
You can inspect and modify project files through tools.

To call a tool, emit a block of this exact form anywhere in your reply:
<tool_call>{"name": "<tool name>", "input": {<arguments>}}</tool_call>

You may interleave explanatory prose with tool calls. Tool results arrive in
the next user message inside <tool_result> blocks. When the task is complete,
reply without any tool call.

Available tools:
%s`

func buildSystemPrompt(registry *tools.Registry) string {
	return fmt.Sprintf(systemPromptTemplate, registry.Manifest())
}

// formatToolResults renders executed tool results as the next user turn.
func formatToolResults(results []toolOutcome) string {
	var b strings.Builder
	for _, r := range results {
		b.WriteString("<tool_result>")
		b.WriteString(fmt.Sprintf(`{"callId":%q,"name":%q,`, r.callID, r.name))
		if r.result.OK() {
			b.WriteString(fmt.Sprintf(`"content":%q}`, r.result.Content))
		} else {
			b.WriteString(fmt.Sprintf(`"error":%q}`, r.result.Error))
		}
		b.WriteString("</tool_result>\n")
	}
	return b.String()
}

const repairPromptTemplate = `A tool call you made has invalid input.

Tool: %s
Input schema:
%s

Rejected input:
%s

Validation error:
%s

Reply with ONLY the corrected input as a single JSON object. No prose, no
code fences.`

func buildRepairPrompt(name, schemaJSON, inputJSON, validationErr string) string {
	return fmt.Sprintf(repairPromptTemplate, name, schemaJSON, inputJSON, validationErr)
}
