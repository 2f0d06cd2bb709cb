package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"grok-bridge/internal/backendstub"
	"grok-bridge/internal/config"
)

func newStubCmd(s streams) *cobra.Command {
	var (
		host     string
		port     int
		apiKey   string
		models   []string
		logLevel levelFlag
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Runs a local xAI-compatible backend that echoes requests back",
		Long: `Runs a local stand-in for the xAI REST API. Point the bridge at it with
XAI_BASE_URL=http://<host>:<port>/v1 to develop without credentials.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("port %d must be a valid TCP port", port)
			}

			logger := newLogger(s.errOut, config.LogConfig{Level: logLevel.String(), Format: "text"})
			stub := backendstub.New(backendstub.Options{
				APIKey: apiKey,
				Models: models,
				Logger: logger,
			})
			return stub.Run(c.Context(), net.JoinHostPort(host, strconv.Itoa(port)))
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&host, "host", "127.0.0.1", "Interface to listen on")
	fs.IntVarP(&port, "port", "p", 8080, "Port to listen on")
	fs.StringVar(&apiKey, "api-key", "", "Bearer token the stub requires (empty accepts any)")
	fs.StringSliceVar(&models, "model", nil, "Model the stub serves; repeatable (empty accepts any)")
	fs.Var(&logLevel, "log-level", "Log level: debug, info, warn or error")

	return cmd
}
