// Package builtin registers the tools that ship with the gateway: clock
// queries, local music playback, persona switching, conversation exit, and
// device IoT control.
package builtin

import "github.com/voxgate/voxgate/internal/plugins"

// RegisterAll installs every builtin tool into the registry.
func RegisterAll(r *plugins.Registry) error {
	for _, tool := range []plugins.Tool{
		timeTool(),
		musicTool(),
		roleTool(),
		exitTool(),
		iotTool(),
	} {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
