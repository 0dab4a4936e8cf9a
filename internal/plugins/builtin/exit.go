package builtin

import (
	"context"

	"github.com/voxgate/voxgate/internal/plugins"
)

func exitTool() plugins.Tool {
	return plugins.Tool{
		Name:        "handle_exit_intent",
		Description: "用户想要结束对话时调用",
		Type:        plugins.SystemCtl,
		Definition: plugins.NewDefinition(
			"handle_exit_intent",
			"End the conversation. Call when the user says goodbye or asks to stop.",
			map[string]any{
				"say_goodbye": map[string]any{
					"type":        "string",
					"description": "Farewell phrase to speak before closing.",
				},
			}, nil),
		Handler: handleExit,
	}
}

func handleExit(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
	goodbye, _ := args["say_goodbye"].(string)
	if goodbye == "" {
		goodbye = "再见，期待下次和你聊天。"
	}

	// The paced sender destroys the session after this turn's stop frame.
	pctx.Session.SetCloseAfterChat(true)
	return plugins.ActionResponse{
		Action:   plugins.ActionRespond,
		Response: goodbye,
	}, nil
}
