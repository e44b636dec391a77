package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/leostream/internal/config"
	"github.com/ricochet1k/leostream/internal/devserver"
)

func newDevServerCmd(c *cli) *cobra.Command {
	var (
		addr       string
		generator  string
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local generation server",
		Long: `Run a local implementation of the generation server's REST and websocket
endpoints. The scripted generator replays a canned Leo program; the openai
generator streams a model's answer and needs OPENAI_API_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dc := c.cfg.DevServer
			f := cmd.Flags()
			if f.Changed("addr") {
				dc.Addr = addr
			}
			if f.Changed("generator") {
				dc.Generator = generator
			}
			if f.Changed("chunk-delay") {
				dc.ChunkDelay = config.Duration(chunkDelay)
			}

			gen, err := buildGenerator(dc, c)
			if err != nil {
				return err
			}
			srv := devserver.New(devserver.Options{
				Generator: gen,
				Logger:    c.logger.Named("devserver"),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintln(c.out, successStyle.Render("▶ dev server"), "listening on", dc.Addr, labelStyle.Render("("+dc.Generator+" generator)"))
			return srv.Run(ctx, dc.Addr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	f.StringVar(&generator, "generator", "", "scripted or openai")
	f.DurationVar(&chunkDelay, "chunk-delay", 0, "delay between scripted events (default from config, 50ms)")
	return cmd
}

func buildGenerator(dc config.DevServerConfig, c *cli) (devserver.Generator, error) {
	switch dc.Generator {
	case config.GeneratorOpenAI:
		if dc.APIKey == "" {
			return nil, errors.New("the openai generator needs OPENAI_API_KEY")
		}
		return devserver.NewOpenAIGenerator(dc.APIKey, dc.Model, c.logger.Named("openai")), nil
	case config.GeneratorScripted, "":
		return devserver.ScriptedGenerator{ChunkDelay: dc.ChunkDelay.Std()}, nil
	default:
		return nil, fmt.Errorf("unknown generator %q", dc.Generator)
	}
}
