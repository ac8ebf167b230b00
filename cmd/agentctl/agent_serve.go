package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ashureev/agentrelay/internal/agent"
)

// agentServeCmd fronts a local agent CLI with the gRPC transport so a relay
// on another host can use it.
func agentServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "agent-serve",
		Short: "Expose the local agent CLI over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Agent.GRPCAddr
			}
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}

			srv := grpc.NewServer()
			agent.RegisterGRPCService(srv, agent.NewCLIRunner(cfg.Agent.ClaudeBin, cfg.Agent.WorkDir, logger), logger)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("Stopping agent service")
				srv.GracefulStop()
			}()

			logger.Info("Agent service listening", "addr", lis.Addr().String())
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from AGENT_GRPC_ADDR)")
	return cmd
}
