package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/agentrelay/internal/app"
	"github.com/ashureev/agentrelay/internal/exchange"
)

// terminalPresenter shows status and notices on a side stream and keeps the
// primary artifacts for printing once the exchange ends.
type terminalPresenter struct {
	mu    sync.Mutex
	side  io.Writer
	order []string
	text  map[string]string
	next  int
}

func newTerminalPresenter(side io.Writer) *terminalPresenter {
	return &terminalPresenter{side: side, text: make(map[string]string)}
}

func (p *terminalPresenter) UpsertPrimary(_ context.Context, id, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		p.next++
		id = fmt.Sprintf("msg-%d", p.next)
		p.order = append(p.order, id)
	}
	p.text[id] = text
	return id, nil
}

func (p *terminalPresenter) UpsertStatus(_ context.Context, id, state string) (string, error) {
	fmt.Fprintf(p.side, "... %s\n", state)
	if id == "" {
		id = "status"
	}
	return id, nil
}

func (p *terminalPresenter) Notify(_ context.Context, category exchange.Category, text string) error {
	fmt.Fprintf(p.side, "[%s] %s\n", category, text)
	return nil
}

func (p *terminalPresenter) DeleteArtifact(context.Context, string) error { return nil }

func (p *terminalPresenter) SendTyping(context.Context) error { return nil }

// Artifacts returns primary artifact texts in creation order.
func (p *terminalPresenter) Artifacts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.text[id])
	}
	return out
}

func askCmd() *cobra.Command {
	var (
		scope    string
		timeout  time.Duration
		maxTurns int
	)
	cmd := &cobra.Command{
		Use:   "ask <prompt...>",
		Short: "Run one exchange against the configured agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			prompt := strings.Join(args, " ")
			if res, ok := a.Commands.Handle(scope, true, prompt); ok {
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
				return nil
			}

			p := newTerminalPresenter(cmd.ErrOrStderr())
			result, err := a.Coordinator.RunExchange(ctx, scope, prompt, nil, p, exchange.RunOptions{
				Timeout:     timeout,
				MaxTurns:    maxTurns,
				ChannelName: "agentctl",
			})
			a.Coordinator.Wait()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), result)
			}
			for _, text := range p.Artifacts() {
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "agentctl", "conversation scope key")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "exchange timeout (default from config)")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "agent turn limit (default from config)")
	return cmd
}
