package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X grok-bridge/cmd.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

type versionOutput struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func newVersionCmd(s streams) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information as JSON",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := json.MarshalIndent(versionOutput{
				Version:   Version,
				Commit:    Commit,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("encode version: %w", err)
			}
			_, err = fmt.Fprintln(s.out, string(data))
			return err
		},
	}
}
