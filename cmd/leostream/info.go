package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/leostream/internal/api"
)

func (c *cli) apiClient() *api.Client {
	return api.NewClient(c.cfg.Server.BaseURL,
		api.WithTimeout(c.cfg.HTTP.Timeout.Std()),
		api.WithLogger(c.logger.Named("api")))
}

func (c *cli) field(label string, value any) {
	fmt.Fprintf(c.out, "%s %v\n", labelStyle.Render(label+":"), value)
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show subscriber count for a generation session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.apiClient().GenerationStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c.field("session", st.SessionID)
			if st.Status == "active" {
				c.field("status", successStyle.Render(st.Status))
			} else {
				c.field("status", warningStyle.Render(st.Status))
			}
			c.field("subscribers", st.SubscriberCount)
			return nil
		},
	}
}

func newConnectionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "Show the number of open websocket connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.apiClient().Connections(cmd.Context())
			if err != nil {
				return err
			}
			c.field("active connections", info.ActiveConnections)
			return nil
		},
	}
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the generation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := c.apiClient().Health(cmd.Context())
			if err != nil {
				fmt.Fprintln(c.out, errorStyle.Render("❌ server unreachable"))
				return err
			}
			if h.Status == "UP" {
				fmt.Fprintln(c.out, successStyle.Render("✅ "+h.Status))
			} else {
				fmt.Fprintln(c.out, warningStyle.Render("⚠️  "+h.Status))
			}
			c.field("active connections", h.ActiveConnections)
			c.field("server time", time.UnixMilli(h.Timestamp).Format(time.RFC3339))
			return nil
		},
	}
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show websocket statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.apiClient().WebSocketStats(cmd.Context())
			if err != nil {
				return err
			}
			c.field("active connections", s.ActiveConnections)
			c.field("server time", time.UnixMilli(s.Timestamp).Format(time.RFC3339))
			return nil
		},
	}
}
