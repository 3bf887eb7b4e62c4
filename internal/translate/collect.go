package translate

import "github.com/BingoWon/Keyaos-sub000/internal/chat"

// Collect folds a canonical event sequence back into a full response.
// Used when a client asked for a non-streaming answer but the upstream
// dialect only speaks streams.
func Collect(events []chat.StreamEvent) *chat.Response {
	resp := &chat.Response{FinishReason: chat.FinishStop}
	var tool *chat.ToolCall

	for _, ev := range events {
		switch ev.Type {
		case chat.EventBlockStart:
			if ev.Block == chat.BlockToolUse && ev.Tool != nil {
				tc := *ev.Tool
				resp.ToolCalls = append(resp.ToolCalls, tc)
				tool = &resp.ToolCalls[len(resp.ToolCalls)-1]
			}
		case chat.EventDelta:
			switch ev.Block {
			case chat.BlockText:
				resp.Content += ev.Text
			case chat.BlockReasoning:
				resp.Reasoning += ev.Text
			case chat.BlockToolUse:
				if tool != nil {
					tool.Arguments += ev.Text
				}
			}
		case chat.EventBlockStop:
			if ev.Block == chat.BlockToolUse {
				tool = nil
			}
		case chat.EventDone:
			if ev.FinishReason != "" {
				resp.FinishReason = ev.FinishReason
			}
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		}
	}
	return resp
}
