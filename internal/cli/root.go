package cli

import (
	"fmt"
	"os"

	"shipping-service/config"
	"shipping-service/internal/carrier"
	"shipping-service/internal/redisclient"
	"shipping-service/internal/store"
	"shipping-service/internal/util"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shippingctl",
	Short: "Operate the shipping service",
	Long: `shippingctl runs maintenance tasks against the shipping database:
schema migration, rate table imports, ad-hoc quotes and the tracking and
label jobs the server normally runs on a schedule.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is the set of connections a command works with
type env struct {
	cfg     *config.Config
	store   *store.Store
	redis   *redisclient.Client
	gateway carrier.Gateway
}

func (e *env) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	util.SyncLogger()
}

// connect opens the database and, when withCarrier is set, redis and the
// carrier gateway
func connect(withCarrier bool) (*env, error) {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env, "shippingctl"); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	e := &env{cfg: cfg}
	st, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	e.store = st

	if !withCarrier {
		return e, nil
	}

	rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	e.redis = rc

	gw, err := carrier.NewGateway(cfg.Carrier)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.gateway = gw
	return e, nil
}
