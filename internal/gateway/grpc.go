// ABOUTME: Builds the model registry from the runner config
// ABOUTME: Binds models to a remote gRPC runner, or to the built-in echo script

package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/config"
	"github.com/2389/coven-sessions/internal/runner"
)

// echoStep paces the built-in echo runner so streams are visibly incremental.
const echoStep = 150 * time.Millisecond

// buildRunners registers every configured model. With grpc_addr set all
// models share one connection to the remote runner; the returned conn must
// be closed on shutdown. Without it every model plays the echo script.
func buildRunners(cfg config.RunnerConfig, logger *slog.Logger) (*runner.Registry, *grpc.ClientConn, error) {
	reg := runner.NewRegistry(cfg.DefaultModel)

	if cfg.GRPCAddr == "" {
		echo := runner.NewScripted(runner.Echo(echoStep))
		for _, model := range cfg.Models {
			reg.Register(model, echo)
		}
		logger.Warn("no runner.grpc_addr configured, using built-in echo runner", "models", cfg.Models)
		return reg, nil, nil
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: cfg.Token, AllowInsecure: true}))
	}
	conn, err := runner.Dial(cfg.GRPCAddr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to runner: %w", err)
	}

	remote := runner.NewGRPCClient(conn, logger)
	for _, model := range cfg.Models {
		reg.Register(model, remote)
	}
	logger.Info("using remote runner", "addr", cfg.GRPCAddr, "models", cfg.Models, "authenticated", cfg.Token != "")
	return reg, conn, nil
}
