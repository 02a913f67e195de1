// Package cli saga-admin 命令行，调用编排器的运维 HTTP 接口
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	envconfig "github.com/pen/orchestrator/pkg/config"
)

// RootOptions 全局参数
type RootOptions struct {
	URL     string
	Token   string
	Format  string // "text" | "json"
	User    string
	Timeout time.Duration
}

var ValidFormats = []string{"text", "json"}

func (o *RootOptions) client() *Client {
	return NewClient(o.URL, o.Token, o.Timeout)
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "saga-admin",
		Short: "Inspect and operate PEN registration sagas",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.URL == "" {
				return NewExitError(ExitCommandError, "--url is required")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", envconfig.GetEnv("SAGA_ADMIN_URL", "http://localhost:8090"), "orchestrator base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", envconfig.GetEnv("INTERNAL_TOKEN", ""), "X-Internal-Token value")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.User, "user", envconfig.GetEnv("USER", ""), "user recorded in saga audit fields")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newForceStartCommand(opts))
	cmd.AddCommand(newForceStopCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
