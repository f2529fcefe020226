// Package parser turns free-form model output into an ordered sequence of
// text and tool-call segments. The model speaks a tagged-block protocol:
//
//	prose ... <tool_call>{"name":"write_file","input":{...}}</tool_call> ... prose
//
// Direct JSON decoding is the primary path; a repair pass (fence strip,
// jsonrepair, trailing-comma strip, brace balance) recovers near-miss output.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

// Kind discriminates segment variants.
type Kind int

const (
	KindText Kind = iota
	KindToolCall
)

// ToolCall is a single parsed tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Segment is one element of the scanned reply: either prose or a tool call.
type Segment struct {
	Kind Kind
	Text string
	Call *ToolCall
}

var toolNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Parse scans content left to right, preserving the interleaving of prose
// and tool calls. Blocks whose body cannot be recovered even by the repair
// pass are dropped from the result; surrounding text is kept.
func Parse(content string) []Segment {
	var segments []Segment
	calls := 0
	rest := content
	for {
		start := strings.Index(rest, openTag)
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], closeTag)
		if end == -1 {
			break
		}
		end += start

		if text := strings.TrimSpace(rest[:start]); text != "" {
			segments = append(segments, Segment{Kind: KindText, Text: text})
		}

		body := rest[start+len(openTag) : end]
		if call := decodeCall(body, calls); call != nil {
			segments = append(segments, Segment{Kind: KindToolCall, Call: call})
			calls++
		}
		rest = rest[end+len(closeTag):]
	}
	if text := strings.TrimSpace(rest); text != "" {
		segments = append(segments, Segment{Kind: KindText, Text: text})
	}
	return segments
}

// ToolCalls returns just the tool-call segments of a parsed reply.
func ToolCalls(segments []Segment) []*ToolCall {
	var calls []*ToolCall
	for _, seg := range segments {
		if seg.Kind == KindToolCall {
			calls = append(calls, seg.Call)
		}
	}
	return calls
}

func decodeCall(body string, ordinal int) *ToolCall {
	var payload struct {
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}
	raw := strings.TrimSpace(body)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		repaired, repairErr := RepairJSON(raw)
		if repairErr != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
			return nil
		}
	}
	if !toolNameRe.MatchString(payload.Name) {
		return nil
	}
	if payload.Input == nil {
		payload.Input = map[string]any{}
	}
	return &ToolCall{
		ID:    fmt.Sprintf("call_%d", ordinal),
		Name:  payload.Name,
		Input: payload.Input,
	}
}

// RepairJSON attempts to turn near-miss model JSON into valid JSON. It strips
// markdown fences, runs the jsonrepair library, and falls back to a
// conservative manual pass that drops trailing commas and balances braces.
func RepairJSON(raw string) (string, error) {
	stripped := stripFences(strings.TrimSpace(raw))

	if json.Valid([]byte(stripped)) {
		return stripped, nil
	}
	if repaired, err := jsonrepair.JSONRepair(stripped); err == nil && json.Valid([]byte(repaired)) {
		return repaired, nil
	}
	fallback := fallbackRepair(stripped)
	if json.Valid([]byte(fallback)) {
		return fallback, nil
	}
	return "", fmt.Errorf("unrepairable JSON (%d bytes)", len(raw))
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// fallbackRepair is the last-resort pass: remove trailing commas, then close
// any braces and brackets left open by a truncated reply. String-aware so
// braces inside values do not skew the balance.
func fallbackRepair(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, ", \n\t")
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
