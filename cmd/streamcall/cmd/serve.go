package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/efortin/streamcall/pkg/proxy"
)

var (
	port          string
	targetURL     string
	protocol      string
	enableRewrite bool
	logOutput     bool
	model         string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rewriting proxy server",
	Long: `Start the HTTP proxy in front of an OpenAI-compatible backend.

The proxy will:
- Forward all requests to the backend unchanged
- Intercept streaming chat completions that declare tools
- Lift XML-like tool call markup into native tool_calls deltas
- Degrade unrecoverable segments back to plain text`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config := &proxy.Config{
			Port:          port,
			TargetURL:     targetURL,
			Protocol:      protocol,
			EnableRewrite: enableRewrite,
			LogOutput:     logOutput,
			Model:         model,
		}

		logger, err := buildLogger(logOutput)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		server, err := proxy.NewServer(config, logger)
		if err != nil {
			return err
		}

		logger.Info("🚀 starting streamcall proxy",
			zap.String("port", port),
			zap.String("target", targetURL),
			zap.String("protocol", protocol))

		return server.Start()
	},
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&port, "port", getEnvOrDefault("PORT", "8080"), "HTTP server port")
	serveCmd.Flags().StringVar(&targetURL, "target", getEnvOrDefault("TARGET_URL", "http://localhost:8000"), "Backend base URL")
	serveCmd.Flags().StringVar(&protocol, "protocol", getEnvOrDefault("TOOL_PROTOCOL", "tag"), "Tool call protocol (tag or wrapper)")
	serveCmd.Flags().BoolVar(&enableRewrite, "rewrite", getEnvOrDefault("ENABLE_REWRITE", "true") == "true", "Rewrite XML tool calls in streaming responses")
	serveCmd.Flags().BoolVar(&logOutput, "verbose", getEnvOrDefault("LOG_OUTPUT", "false") == "true", "Verbose development logging")
	serveCmd.Flags().StringVar(&model, "model", getEnvOrDefault("DEFAULT_MODEL", ""), "Default model for token accounting")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
