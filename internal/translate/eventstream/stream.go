package eventstream

import (
	"encoding/json"
	"math"
	"strings"
	"unicode"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

// ─── Token estimation ─────────────────────────────────────────────────────────

// wideWeight is the relative cost of CJK and other wide runes: roughly one
// token per character versus one token per four ASCII characters.
const (
	asciiWeight     = 1
	wideWeight      = 4
	charsPerToken   = 4
	defaultContextK = 200_000
)

// EstimateOutputTokens approximates the token count of emitted text from a
// character-class weighted length. The dialect reports no native counts.
func EstimateOutputTokens(text string) int {
	if text == "" {
		return 0
	}
	weight := 0
	for _, r := range text {
		if isWide(r) {
			weight += wideWeight
		} else {
			weight += asciiWeight
		}
	}
	tokens := (weight + charsPerToken - 1) / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func isWide(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}

// EstimateInputTokens derives the prompt token count from the reported
// context usage percentage and the model's context window.
func EstimateInputTokens(usagePercent float64, contextWindow int) int {
	if usagePercent <= 0 {
		return 0
	}
	if contextWindow <= 0 {
		contextWindow = defaultContextK
	}
	return int(math.Round(usagePercent / 100 * float64(contextWindow)))
}

// ─── Streaming decode ─────────────────────────────────────────────────────────

// StreamDecoder turns binary event-stream bytes into canonical stream events,
// estimating token usage as it goes.
type StreamDecoder struct {
	dec     Decoder
	tracker translate.BlockTracker

	contextWindow int

	outText      strings.Builder
	usagePercent float64
	openToolID   string
}

// NewStreamDecoder creates a decoder for one response stream. contextWindow
// is the serving model's context length, used for input-token estimation.
func NewStreamDecoder(contextWindow int) *StreamDecoder {
	return &StreamDecoder{contextWindow: contextWindow}
}

// Feed consumes one network chunk and returns the canonical events it
// completes. Frames with unknown event types or malformed JSON are skipped.
func (d *StreamDecoder) Feed(p []byte) []chat.StreamEvent {
	var evs []chat.StreamEvent
	for _, f := range d.dec.Feed(p) {
		evs = append(evs, d.frame(f)...)
	}
	return evs
}

// Close finalizes token estimates and flushes the terminal event.
func (d *StreamDecoder) Close() []chat.StreamEvent {
	d.tracker.SetUsage(chat.Usage{
		InputTokens:  EstimateInputTokens(d.usagePercent, d.contextWindow),
		OutputTokens: EstimateOutputTokens(d.outText.String()),
	})
	return d.tracker.Flush()
}

func (d *StreamDecoder) frame(f *Frame) []chat.StreamEvent {
	switch f.EventType() {
	case "assistantResponseEvent":
		var ev assistantEvent
		if !parseEvent(f, &ev) {
			return nil
		}
		d.outText.WriteString(ev.Content)
		return d.tracker.Delta(chat.BlockText, ev.Content)

	case "toolUseEvent":
		var ev toolUseEvent
		if !parseEvent(f, &ev) {
			return nil
		}
		var evs []chat.StreamEvent
		if ev.ToolUseID != d.openToolID {
			d.openToolID = ev.ToolUseID
			evs = append(evs, d.tracker.ToolStart(ev.ToolUseID, ev.Name)...)
			d.tracker.SetFinish(chat.FinishToolCalls)
		}
		d.outText.WriteString(ev.Input)
		evs = append(evs, d.tracker.ToolArgs(ev.Input)...)
		return evs

	case "contextUsageEvent":
		var ev contextUsageEvent
		if parseEvent(f, &ev) {
			d.usagePercent = ev.ContextUsagePercentage
		}

	case "messageStopEvent":
		var ev messageStopEvent
		if parseEvent(f, &ev) && ev.StopReason == "MAX_TOKENS" {
			d.tracker.SetFinish(chat.FinishLength)
		}
	}
	return nil
}

// ─── Request mapping ──────────────────────────────────────────────────────────

type (
	wireUserInput struct {
		Content string           `json:"content"`
		Context *wireUserContext `json:"userInputMessageContext,omitempty"`
		ModelID string           `json:"modelId,omitempty"`
	}

	wireUserContext struct {
		Tools       []wireToolSpec   `json:"tools,omitempty"`
		ToolResults []wireToolResult `json:"toolResults,omitempty"`
	}

	wireToolSpec struct {
		ToolSpecification struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			InputSchema json.RawMessage `json:"inputSchema,omitempty"`
		} `json:"toolSpecification"`
	}

	wireToolResult struct {
		ToolUseID string `json:"toolUseId"`
		Status    string `json:"status"`
		Content   []struct {
			Text string `json:"text"`
		} `json:"content"`
	}

	wireAssistantMsg struct {
		Content string `json:"content"`
	}

	wireHistoryEntry struct {
		UserInputMessage         *wireUserInput    `json:"userInputMessage,omitempty"`
		AssistantResponseMessage *wireAssistantMsg `json:"assistantResponseMessage,omitempty"`
	}

	wireConversationState struct {
		CurrentMessage  wireHistoryEntry   `json:"currentMessage"`
		History         []wireHistoryEntry `json:"history,omitempty"`
		ChatTriggerType string             `json:"chatTriggerType"`
	}

	wireRequest struct {
		ConversationState wireConversationState `json:"conversationState"`
	}
)

// EncodeRequest renders a canonical request as the dialect's JSON request
// body. The upstream accepts JSON and answers with binary frames.
//
// System messages are folded into the first user turn; the dialect has no
// dedicated system field.
func EncodeRequest(req *chat.Request, model string) ([]byte, error) {
	var system []string
	var turns []wireHistoryEntry
	var pendingResults []wireToolResult

	flushUser := func(content string) {
		ui := &wireUserInput{Content: content, ModelID: model}
		if len(pendingResults) > 0 {
			ui.Context = &wireUserContext{ToolResults: pendingResults}
			pendingResults = nil
		}
		turns = append(turns, wireHistoryEntry{UserInputMessage: ui})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.TextContent())
		case "assistant":
			turns = append(turns, wireHistoryEntry{
				AssistantResponseMessage: &wireAssistantMsg{Content: m.TextContent()},
			})
		case "tool":
			tr := wireToolResult{ToolUseID: m.ToolCallID, Status: "success"}
			tr.Content = []struct {
				Text string `json:"text"`
			}{{Text: m.TextContent()}}
			pendingResults = append(pendingResults, tr)
		default:
			flushUser(m.TextContent())
		}
	}
	if len(pendingResults) > 0 {
		flushUser("")
	}
	if len(turns) == 0 {
		flushUser("")
	}

	// The final user turn becomes the current message; everything before it
	// is history.
	last := len(turns) - 1
	for last >= 0 && turns[last].UserInputMessage == nil {
		last--
	}
	if last < 0 {
		flushUser("")
		last = len(turns) - 1
	}
	current := turns[last]
	history := append(append([]wireHistoryEntry{}, turns[:last]...), turns[last+1:]...)

	if len(system) > 0 && current.UserInputMessage != nil {
		current.UserInputMessage.Content = strings.Join(system, "\n") + "\n\n" + current.UserInputMessage.Content
	}

	if len(req.Tools) > 0 && current.UserInputMessage != nil {
		specs := make([]wireToolSpec, 0, len(req.Tools))
		for _, t := range req.Tools {
			var spec wireToolSpec
			spec.ToolSpecification.Name = t.Name
			spec.ToolSpecification.Description = t.Description
			if len(t.Parameters) > 0 {
				schema, _ := json.Marshal(map[string]json.RawMessage{"json": t.Parameters})
				spec.ToolSpecification.InputSchema = schema
			}
			specs = append(specs, spec)
		}
		if current.UserInputMessage.Context == nil {
			current.UserInputMessage.Context = &wireUserContext{}
		}
		current.UserInputMessage.Context.Tools = specs
	}

	return json.Marshal(wireRequest{ConversationState: wireConversationState{
		CurrentMessage:  current,
		History:         history,
		ChatTriggerType: "MANUAL",
	}})
}
