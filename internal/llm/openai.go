package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4.1"

// OpenAIProvider streams chunks from the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIProvider creates a provider. An empty apiKey falls back to
// OPENAI_API_KEY.
func NewOpenAIProvider(apiKey, model string, maxTokens int) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: no API key (set provider.api_key or OPENAI_API_KEY)")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{client: &client, model: model, maxTokens: int64(maxTokens)}, nil
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("OpenAI (%s)", p.model)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		model := req.Model
		if model == "" {
			model = p.model
		}
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(model),
			Messages: buildOpenAIMessages(req.Messages),
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}
		if maxTokens := int64(req.MaxOutputTokens); maxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(maxTokens)
		} else if p.maxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(p.maxTokens)
		}
		if len(req.Tools) > 0 {
			params.Tools = buildOpenAITools(req.Tools)
		}

		acc := openai.ChatCompletionAccumulator{}
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 {
				if text := chunk.Choices[0].Delta.Content; text != "" {
					if !send(ctx, out, TextChunk(text)) {
						return ctx.Err()
					}
				}
			}

			if tool, ok := acc.JustFinishedToolCall(); ok {
				args := tool.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				if !send(ctx, out, Chunk{Type: ChunkToolCallStart, ToolCallID: tool.ID, ToolName: tool.Name}) {
					return ctx.Err()
				}
				if !send(ctx, out, Chunk{Type: ChunkToolCallArgs, ToolCallID: tool.ID, ToolName: tool.Name, Arguments: json.RawMessage(args)}) {
					return ctx.Err()
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai streaming error: %w", err)
		}
		if acc.Usage.PromptTokens > 0 || acc.Usage.CompletionTokens > 0 {
			send(ctx, out, UsageChunk(int(acc.Usage.PromptTokens), int(acc.Usage.CompletionTokens)))
		}
		send(ctx, out, DoneChunk())
		return nil
	}), nil
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
		}
		if len(spec.Schema) > 0 {
			fn.Parameters = shared.FunctionParameters(spec.Schema)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case RoleUser:
			if text := collectTextParts(msg.Parts); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ID))
			}
		case RoleAssistant:
			text := collectTextParts(msg.Parts)
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, part := range msg.Parts {
				if part.Type != PartToolCall || part.ToolCall == nil {
					continue
				}
				args := string(part.ToolCall.Arguments)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: part.ToolCall.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      part.ToolCall.Name,
						Arguments: args,
					},
				})
			}
			if len(calls) == 0 {
				if text != "" {
					out = append(out, openai.AssistantMessage(text))
				}
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}
