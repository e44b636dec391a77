package main

import (
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ricochet1k/leostream/internal/config"
	"github.com/ricochet1k/leostream/internal/logging"
)

type cli struct {
	out, errOut io.Writer

	configPath string
	verbose    bool
	jsonLogs   bool
	baseURL    string
	sockJS     bool

	cfg    *config.Config
	logger hclog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "leostream",
		Short: "Stream Leo code generations from the generation server",
		Long: `leostream submits a project to the Leo generation server and follows the
generation live over its websocket: thinking, code chunks, builds and
auto-fix rounds, until the project completes or fails.

Quick Start:
  leostream devserver &                              # local server
  leostream generate --name token --out main.leo     # stream a generation
  leostream health                                   # server health`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return c.load(cmd) },
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default ~/.config/leostream/config.yaml)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.jsonLogs, "json-logs", false, "write logs as JSON")
	flags.StringVar(&c.baseURL, "base-url", "", "generation server base URL")
	flags.BoolVar(&c.sockJS, "sockjs", false, "use SockJS framing on the websocket")

	root.AddCommand(
		newGenerateCmd(c),
		newStatusCmd(c),
		newConnectionsCmd(c),
		newHealthCmd(c),
		newStatsCmd(c),
		newDevServerCmd(c),
	)
	return root
}

// load applies defaults, the config file, the environment and finally flags.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.Server.BaseURL = c.baseURL
	}
	if flags.Changed("sockjs") {
		cfg.Server.SockJS = c.sockJS
	}
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.Changed("json-logs") {
		cfg.Log.JSON = c.jsonLogs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Output: c.errOut})
	return nil
}
