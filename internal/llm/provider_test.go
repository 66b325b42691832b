package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func streamDebug(t *testing.T, req Request) []Chunk {
	t.Helper()
	s, err := NewDebugProvider("instant").Stream(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	return collect(t, s)
}

func text(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Type == ChunkText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func TestDebugProviderEcho(t *testing.T) {
	got := streamDebug(t, Request{Messages: []Message{UserText("hello")}})
	if diff := cmp.Diff([]ChunkType{ChunkText, ChunkTokenUsage, ChunkDone}, types(got)); diff != "" {
		t.Errorf("chunks (-want +got):\n%s", diff)
	}
	if got := text(got); got != "You said: hello" {
		t.Errorf("text = %q", got)
	}
}

func TestDebugProviderBashCall(t *testing.T) {
	bash := []ToolSpec{{Name: "bash"}}

	got := streamDebug(t, Request{Messages: []Message{UserText("!ls -la")}, Tools: bash})
	want := []ChunkType{ChunkText, ChunkToolCallStart, ChunkToolCallArgs, ChunkTokenUsage, ChunkDone}
	if diff := cmp.Diff(want, types(got)); diff != "" {
		t.Fatalf("chunks (-want +got):\n%s", diff)
	}
	var args map[string]string
	if err := json.Unmarshal(got[2].Arguments, &args); err != nil {
		t.Fatal(err)
	}
	if args["command"] != "ls -la" || got[1].ToolName != "bash" {
		t.Errorf("call = %s %s", got[1].ToolName, got[2].Arguments)
	}

	// Without the tool the bang is echoed.
	got = streamDebug(t, Request{Messages: []Message{UserText("!ls")}})
	if got := text(got); got != "You said: !ls" {
		t.Errorf("text = %q", got)
	}

	got = streamDebug(t, Request{Messages: []Message{
		UserText("!ls"),
		ToolResultMessage("1", "bash", "a.txt"),
	}, Tools: bash})
	if got := text(got); !strings.Contains(got, "The bash call returned") || !strings.Contains(got, "a.txt") {
		t.Errorf("text = %q", got)
	}
}

func TestDebugProviderVariants(t *testing.T) {
	if got := NewDebugProvider("bogus").Name(); got != "debug (normal)" {
		t.Errorf("Name() = %q", got)
	}
	if got := NewDebugProvider("").Name(); got != "debug (normal)" {
		t.Errorf("Name() = %q", got)
	}
	if diff := cmp.Diff([]string{"ab", "cd", "e"}, splitChunks("abcde", 2)); diff != "" {
		t.Errorf("splitChunks (-want +got):\n%s", diff)
	}
}

func TestBuildAnthropicMessages(t *testing.T) {
	system, msgs := buildAnthropicMessages([]Message{
		SystemText("be brief"),
		SystemText("be kind"),
		UserText("hi"),
		AssistantText(""),
		buildAssistantMessage("", []ToolCall{{ID: "1", Name: "bash", Arguments: json.RawMessage(`{}`)}}),
		ToolResultMessage("1", "bash", "ok"),
	})
	if system != "be brief\n\nbe kind" {
		t.Errorf("system = %q", system)
	}
	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	if diff := cmp.Diff([]string{"user", "assistant", "user"}, roles); diff != "" {
		t.Errorf("roles (-want +got):\n%s", diff)
	}
}

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages([]Message{
		SystemText("be brief"),
		UserText("hi"),
		buildAssistantMessage("checking", []ToolCall{{ID: "1", Name: "bash"}}),
		ToolResultMessage("1", "bash", "ok"),
		AssistantText(""),
	})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[3].OfTool == nil {
		t.Errorf("unexpected message kinds: %+v", msgs)
	}
	assistant := msgs[2].OfAssistant
	if assistant == nil || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", assistant)
	}
	if got := assistant.ToolCalls[0].Function.Arguments; got != "{}" {
		t.Errorf("empty arguments sent as %q", got)
	}
}

func TestSchemaRequired(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]interface{}
		want   []string
	}{
		{"strings", map[string]interface{}{"required": []string{"command"}}, []string{"command"}},
		{"decoded json", map[string]interface{}{"required": []interface{}{"a", 1, "b"}}, []string{"a", "b"}},
		{"missing", map[string]interface{}{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, schemaRequired(tt.schema)); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestCollectTextParts(t *testing.T) {
	parts := []Part{
		{Type: PartText, Text: "a"},
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "1"}},
		{Type: PartText},
		{Type: PartText, Text: "b"},
	}
	if got := collectTextParts(parts); got != "a\nb" {
		t.Errorf("collectTextParts = %q", got)
	}
}
