package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// streams are the process boundary of the CLI. Tests substitute them.
type streams struct {
	in        io.Reader
	out       io.Writer
	errOut    io.Writer
	lookupEnv func(string) (string, bool)
}

func defaultStreams() streams {
	return streams{
		in:        os.Stdin,
		out:       os.Stdout,
		errOut:    os.Stderr,
		lookupEnv: os.LookupEnv,
	}
}

// Execute runs the CLI dispatcher with the provided arguments. Without a
// subcommand the bridge runs on stdin and stdout.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd(defaultStreams())
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(s streams) *cobra.Command {
	opts := &runOptions{}
	root := &cobra.Command{
		Use:   "grok-bridge",
		Short: "Bridges newline-delimited JSON chat requests on stdio to the xAI Grok API",
		Long: `grok-bridge reads one JSON request per line from stdin, forwards it to the
xAI backend and writes one JSON reply per line to stdout. Logs go to stderr.

The API key is read from the environment (XAI_API_KEY unless configured
otherwise). Running without a subcommand is the same as "grok-bridge run".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			return runBridge(c, opts, s)
		},
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	// stdout carries the protocol, so help and usage go to stderr.
	root.SetIn(s.in)
	root.SetOut(s.errOut)
	root.SetErr(s.errOut)

	bindRunFlags(root.Flags(), opts)

	root.AddCommand(
		newRunCmd(s),
		newStubCmd(s),
		newVersionCmd(s),
	)
	return root
}
