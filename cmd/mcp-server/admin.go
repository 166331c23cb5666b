package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/providentiaww/remote-mcp-server/internal/oauth"
)

// openAdminStore loads configuration and opens the OAuth store for the
// maintenance commands.
func openAdminStore(ctx context.Context, envFile string) (*oauth.Store, error) {
	cfg, logger, err := bootstrap(ctx, envFile)
	if err != nil {
		return nil, err
	}
	return oauth.OpenStore(ctx, cfg.Store(), logger)
}

func newClientsCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect registered OAuth clients",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAdminStore(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer store.Close()

			clients, err := store.ListClients(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing clients: %w", err)
			}
			renderClients(cmd.OutOrStdout(), clients)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a client and revoke its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAdminStore(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer store.Close()

			revoked, err := store.RevokeTokensForClient(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("revoking tokens: %w", err)
			}
			deleted, err := store.DeleteClient(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("deleting client: %w", err)
			}
			if !deleted {
				return fmt.Errorf("client %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted client %s (%d tokens revoked)\n", args[0], revoked)
			return nil
		},
	})
	return cmd
}

func newTokensCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and maintain issued tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show token and authorization code counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAdminStore(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetTokenStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading token stats: %w", err)
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired tokens and authorization codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAdminStore(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.CleanupExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleaning up: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired tokens and %d expired codes\n", res.Tokens, res.Codes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke-client CLIENT_ID",
		Short: "Revoke every token issued to a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAdminStore(cmd.Context(), *envFile)
			if err != nil {
				return err
			}
			defer store.Close()

			revoked, err := store.RevokeTokensForClient(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("revoking tokens: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d tokens for client %s\n", revoked, args[0])
			return nil
		},
	})
	return cmd
}

func renderClients(w io.Writer, clients []*oauth.Client) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Client ID", "Name", "Auth Method", "Scope", "Redirect URIs", "Created"})
	for _, c := range clients {
		created := ""
		if !c.CreatedAt.IsZero() {
			created = c.CreatedAt.UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{
			c.ClientID,
			c.ClientName,
			c.TokenEndpointAuthMethod,
			c.Scope,
			strings.Join(c.RedirectURIs, "\n"),
			created,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(clients)})
	t.Render()
}

func renderStats(w io.Writer, stats oauth.TokenStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Kind", "Total", "Active", "Expired"})
	t.AppendRow(table.Row{"Tokens", stats.TotalTokens, stats.ActiveTokens, stats.ExpiredTokens})
	t.AppendRow(table.Row{"Authorization codes", stats.TotalCodes, stats.ActiveCodes, stats.ExpiredCodes})
	t.Render()
}
