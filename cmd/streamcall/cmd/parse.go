package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/efortin/streamcall/pkg/schema"
	"github.com/efortin/streamcall/pkg/transform"
)

var (
	toolsFile     string
	parseProtocol string
)

// toolsSpec is the YAML shape of a tools file:
//
//	tools:
//	  - name: get_weather
//	    parameters:
//	      type: object
//	      properties:
//	        location: {type: string}
type toolsSpec struct {
	Tools []struct {
		Name       string             `yaml:"name"`
		Parameters *schema.Descriptor `yaml:"parameters"`
	} `yaml:"tools"`
}

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse a complete model response offline",
	Long: `Parse a saved model response (from a file or stdin) against a tool
registry and print the resulting text and tool-call parts as JSON.

Useful for replaying captured responses when tuning repair behavior.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry(toolsFile)
		if err != nil {
			return err
		}

		var input []byte
		if len(args) == 1 {
			input, err = os.ReadFile(args[0])
		} else {
			input, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		var protocol transform.Protocol = transform.TagProtocol{}
		if parseProtocol == "wrapper" {
			protocol = transform.WrapperProtocol{}
		}

		parts := transform.ParseText(string(input), transform.Config{
			Protocol: protocol,
			Registry: registry,
		})

		out := make([]map[string]any, 0, len(parts))
		for _, p := range parts {
			entry := map[string]any{"type": string(p.Type)}
			switch p.Type {
			case transform.PartText:
				entry["text"] = p.Text
				if p.Err != nil {
					entry["error"] = p.Err.Error()
				}
			case transform.PartToolCall:
				entry["tool"] = p.ToolName
				entry["id"] = p.CallID
				entry["input"] = p.Input
			}
			if len(p.Warnings) > 0 {
				entry["warnings"] = p.Warnings
			}
			out = append(out, entry)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func loadRegistry(path string) (*transform.Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("--tools file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec toolsSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid tools file: %w", err)
	}
	var tools []transform.Tool
	for _, t := range spec.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools file contains a tool without a name")
		}
		tools = append(tools, transform.Tool{Name: t.Name, Schema: t.Parameters})
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("tools file declares no tools")
	}
	return transform.NewRegistry(tools...), nil
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().StringVar(&toolsFile, "tools", getEnvOrDefault("TOOLS_FILE", ""), "YAML file declaring the tool registry")
	parseCmd.Flags().StringVar(&parseProtocol, "protocol", getEnvOrDefault("TOOL_PROTOCOL", "tag"), "Tool call protocol (tag or wrapper)")
}
