package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/leostream/internal/app"
	"github.com/ricochet1k/leostream/internal/domain"
	"github.com/ricochet1k/leostream/pkg/stream"
)

type generateOptions struct {
	name        string
	description string
	workspace   string
	sessionID   string
	out         string
	quiet       bool
}

func newGenerateCmd(c *cli) *cobra.Command {
	var opts generateOptions
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Start a generation and stream its events",
		Long: `Start a generation on the server, bind this connection to it and print
every event until the project completes or fails. With --out the generated
code is written to a file at the end.`,
		Example: `  leostream generate --name token --description "a fungible token" --out main.leo`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.generate(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.name, "name", "n", "", "project name (required)")
	f.StringVarP(&opts.description, "description", "d", "", "what the program should do")
	f.StringVar(&opts.workspace, "workspace", "", "workspace path on the server")
	f.StringVar(&opts.sessionID, "session-id", "", "generation session id to request")
	f.StringVarP(&opts.out, "out", "o", "", "write the generated code to this file")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not echo code chunks")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (c *cli) generate(ctx context.Context, opts generateOptions) error {
	a, err := app.New(c.cfg, app.Options{Logger: c.logger})
	if err != nil {
		return err
	}
	defer a.Close()

	p := &printer{w: c.out, quiet: opts.quiet}
	unwatch := a.Controller.Watch(p.handle)
	defer unwatch()

	fmt.Fprintln(c.out, sectionStyle.Render("Generating "+opts.name))
	res, err := a.Controller.Start(ctx, stream.GenerationRequest{
		ProjectName:        opts.name,
		ProjectDescription: opts.description,
		WorkspacePath:      opts.workspace,
		SessionID:          opts.sessionID,
	})
	if err != nil {
		return err
	}
	p.println(labelStyle.Render("session:") + " " + res.SessionID)
	if res.Response.ProjectPath != "" {
		p.println(labelStyle.Render("project:") + " " + res.Response.ProjectPath)
	}
	if res.SubscribeErr != nil {
		p.println(warningStyle.Render("⚠️  subscription failed, events may not arrive: ") + res.SubscribeErr.Error())
	}

	snap, err := a.Controller.Wait(ctx)
	p.println(renderPhase(snap))
	if err != nil {
		return fmt.Errorf("waiting for generation: %w", err)
	}

	if opts.out != "" && snap.Artifact != "" {
		if dir := filepath.Dir(opts.out); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
		}
		if err := os.WriteFile(opts.out, []byte(snap.Artifact), 0o644); err != nil {
			return fmt.Errorf("write artifact: %w", err)
		}
		p.println(fmt.Sprintf("%s wrote %d bytes to %s", successStyle.Render("✅"), len(snap.Artifact), opts.out))
	}

	if snap.Phase == domain.PhaseFailed {
		return errors.New("generation failed")
	}
	return nil
}
