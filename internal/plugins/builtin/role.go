package builtin

import (
	"context"
	"fmt"

	"github.com/voxgate/voxgate/internal/plugins"
)

func roleTool() plugins.Tool {
	return plugins.Tool{
		Name:        "change_role",
		Description: "切换助手的角色和说话风格",
		Type:        plugins.ChangeSysPrompt,
		Definition: plugins.NewDefinition(
			"change_role",
			"Switch the assistant persona. role selects a configured persona; prompt sets a custom one directly.",
			map[string]any{
				"role": map[string]any{
					"type":        "string",
					"description": "Name of a configured persona.",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Full custom system prompt; overrides role.",
				},
			}, nil),
		Handler: changeRole,
	}
}

func changeRole(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
	prompt, _ := args["prompt"].(string)
	role, _ := args["role"].(string)

	if prompt == "" && role != "" {
		roles := pctx.Session.Config.Plugins["change_role"]
		if p, ok := roles[role].(string); ok {
			prompt = p
		}
	}
	if prompt == "" {
		return plugins.ActionResponse{
			Action:   plugins.ActionRespond,
			Response: fmt.Sprintf("我不认识「%s」这个角色。", role),
		}, nil
	}

	pctx.Session.Dialogue.SetSystem(prompt)
	return plugins.ActionResponse{
		Action: plugins.ActionReqLLM,
		Result: "角色已切换，请用新角色的口吻向用户打个招呼。",
	}, nil
}
