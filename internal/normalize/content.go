package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are the fallback formats tried after RFC3339, matching the
// tolerant timestamp parsing every connector must perform.
var timeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts either a JSON number (milliseconds or seconds since
// epoch, heuristically distinguished by magnitude) or an ISO-8601 string, and
// returns milliseconds since epoch. Unparseable input returns (0, false); the
// caller must treat that as "unset", never as epoch zero.
func ParseTimestamp(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		ms := int64(asNumber)
		// Values below this are almost certainly seconds, not milliseconds.
		if asNumber > 0 && asNumber < 1e12 {
			ms = int64(asNumber * 1000)
		}
		return ms, true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil || asString == "" {
		return 0, false
	}
	return ParseTimestampString(asString)
}

// ParseTimestampString parses a bare timestamp string, trying an integer
// epoch value first and then each layout in timeLayouts.
func ParseTimestampString(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 0 && n < 1e12 {
			n *= 1000
		}
		return n, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// MillisToTime converts a millisecond epoch value to *time.Time, or nil if ok
// is false.
func MillisToTime(ms int64, ok bool) *time.Time {
	if !ok {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// contentBlock is the tagged-variant shape shared by most connectors' array
// content: a type discriminator plus type-specific fields. Connectors decode
// into this locally; it must never be returned past the connector boundary.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`   // tool_use: tool name
	Input json.RawMessage `json:"input"`  // tool_use: arguments
}

// FlattenContent collapses heterogeneous content (plain string or an array of
// typed blocks) into a single searchable string, preserving tool invocations
// as bracketed tokens, e.g. "[Tool: Read - /path]". raw is the undecoded
// JSON value of a message's content field.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text", "input_text":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		case "thinking", "reasoning":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, "[Thinking] "+t)
			}
		case "tool_use", "tool_call":
			parts = append(parts, flattenToolUse(b))
		case "tool_result":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, "[Tool Result] "+t)
			}
		case "image":
			parts = append(parts, "[Image]")
		}
	}
	return strings.Join(parts, "\n")
}

// flattenToolUse renders a tool_use block as a single bracketed token,
// preferring a file_path or description argument as the descriptive suffix.
func flattenToolUse(b contentBlock) string {
	if b.Name == "" {
		return "[Tool]"
	}
	if len(b.Input) == 0 {
		return "[Tool: " + b.Name + "]"
	}
	var args map[string]any
	if err := json.Unmarshal(b.Input, &args); err != nil {
		return "[Tool: " + b.Name + "]"
	}
	for _, key := range []string{"file_path", "path", "description", "command"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return "[Tool: " + b.Name + " - " + s + "]"
			}
		}
	}
	return "[Tool: " + b.Name + "]"
}

// IsBlank reports whether content is empty or whitespace-only, the condition
// under which a message is dropped before idx renumbering.
func IsBlank(content string) bool {
	return strings.TrimSpace(content) == ""
}

// Renumber drops blank messages and reassigns Idx densely from 0, preserving
// relative order. This is the shared post-processing step every connector
// calls before returning a Conversation.
func Renumber(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if IsBlank(m.Content) {
			continue
		}
		m.Idx = len(out)
		out = append(out, m)
	}
	return out
}
