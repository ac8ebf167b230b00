package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/agentrelay/internal/store"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Inspect the approval decision log"}
	cmd.AddCommand(historyListCmd())
	cmd.AddCommand(historyScopesCmd())
	return cmd
}

func withHistory(fn func(*store.HistoryStore) error) error {
	cfg, _, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	h, err := store.NewHistoryStore(cfg.Storage.HistoryDB, cfg.Sessions.HistoryCap)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	return fn(h)
}

func historyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <scope>",
		Short: "List decisions for a scope, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(h *store.HistoryStore) error {
				entries, err := h.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				renderHistory(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
}

func historyScopesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List scopes that have decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(h *store.HistoryStore) error {
				scopes, err := h.Scopes(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), scopes)
				}
				for _, s := range scopes {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
}
