package builtin

import (
	"context"
	"fmt"

	"github.com/voxgate/voxgate/internal/plugins"
	"github.com/voxgate/voxgate/internal/transport"
)

func iotTool() plugins.Tool {
	return plugins.Tool{
		Name:        "iot_ctl",
		Description: "控制设备上报过能力的物联网外设",
		Type:        plugins.IoTCtl,
		Definition: plugins.NewDefinition(
			"iot_ctl",
			"Invoke a method on an IoT peripheral the device has advertised.",
			map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Peripheral name from the device's descriptors.",
				},
				"method": map[string]any{
					"type":        "string",
					"description": "Method to invoke on the peripheral.",
				},
				"parameters": map[string]any{
					"type":        "object",
					"description": "Method parameters.",
				},
			},
			[]string{"name", "method"}),
		Handler: iotControl,
	}
}

func iotControl(ctx context.Context, pctx *plugins.Context, args map[string]any) (plugins.ActionResponse, error) {
	name, _ := args["name"].(string)
	method, _ := args["method"].(string)
	params, _ := args["parameters"].(map[string]any)

	if _, ok := pctx.Session.IoTDescriptors()[name]; !ok {
		return plugins.ActionResponse{
			Action: plugins.ActionError,
			Result: fmt.Sprintf("device has not advertised a peripheral named %q", name),
		}, nil
	}

	command := map[string]any{"name": name, "method": method}
	if len(params) > 0 {
		command["parameters"] = params
	}
	err := transport.SendJSON(ctx, pctx.Session.Transport, map[string]any{
		"type":     "iot",
		"commands": []any{command},
	})
	if err != nil {
		return plugins.ActionResponse{}, fmt.Errorf("builtin: send iot command: %w", err)
	}

	return plugins.ActionResponse{
		Action: plugins.ActionReqLLM,
		Result: fmt.Sprintf("已向 %s 发送 %s 指令，请向用户确认操作完成。", name, method),
	}, nil
}
