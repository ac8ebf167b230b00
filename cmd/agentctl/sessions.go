package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/agentrelay/internal/store"
)

func openSessions() (*store.SessionStore, error) {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return nil, err
	}
	s := store.NewSessionStore(cfg.Storage.SessionFile,
		store.WithMaxAge(cfg.Sessions.MaxAge),
		store.WithLogger(logger),
	)
	if err := s.LoadWarning(); err != nil {
		logger.Warn("Session file unreadable", "path", cfg.Storage.SessionFile, "error", err)
	}
	return s, nil
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect and manage agent sessions"}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsInfoCmd())
	cmd.AddCommand(sessionsResetCmd())
	cmd.AddCommand(sessionsClearCmd())
	cmd.AddCommand(sessionsSweepCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			sessions := s.List()
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			renderSessions(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}
}

func sessionsInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <scope>",
		Short: "Show one session and whether it can be resumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			rec, ok := s.Get(args[0])
			if !ok {
				return fmt.Errorf("no session for scope %q", args[0])
			}
			v := s.Validate(&rec)
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"session": rec, "validation": v})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:   %s\n", rec.SessionID)
			fmt.Fprintf(out, "Exchanges: %d\n", rec.ExchangeCount)
			fmt.Fprintf(out, "Last seen: %s\n", rec.LastActivityAt.Format(time.RFC3339))
			if v.Valid {
				fmt.Fprintf(out, "Status:    valid (%dh old)\n", v.AgeHours)
			} else {
				fmt.Fprintf(out, "Status:    invalid (%s)\n", v.Reason)
			}
			return nil
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <scope>",
		Short: "Forget the session for a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			existed, err := s.Delete(args[0])
			if err != nil {
				return err
			}
			if !existed {
				fmt.Fprintln(cmd.OutOrStdout(), "No session to reset.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session for %s reset.\n", args[0])
			return nil
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			n, err := s.Clear()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions.\n", n)
			return nil
		},
	}
}

func sessionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired sessions now",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			n, err := s.SweepExpired()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired sessions.\n", n)
			return nil
		},
	}
}
