package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"CronoGuard/internal/api"
	"CronoGuard/internal/audit"
	"CronoGuard/internal/chain"
	"CronoGuard/internal/chain/ethereum"
	"CronoGuard/internal/config"
	"CronoGuard/internal/engine"
	"CronoGuard/internal/httpx"
	"CronoGuard/internal/intent"
	"CronoGuard/internal/policy"
	"CronoGuard/internal/preflight"
	"CronoGuard/internal/receipt"
	"CronoGuard/internal/store"
	"CronoGuard/internal/store/mysql"
	"CronoGuard/internal/x402"
	"CronoGuard/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("guardd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CRONOGUARD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "guardd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logger); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("guardd")

	// Resolve the active network.
	networks := chain.DefaultNetworks()
	if cfg.Network.NetworksFile != "" {
		networks, err = chain.LoadNetworkDefinitions(cfg.Network.NetworksFile)
		if err != nil {
			return err
		}
	}
	network, err := networks.Lookup(cfg.Network.Name)
	if err != nil {
		return err
	}
	appLog.Info("network selected",
		"name", cfg.Network.Name, "chain_id", network.ChainID, "asset", network.AcceptedAsset)

	reader, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:   cfg.Network.Name,
		RPCURL: network.RPCURL,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	stores, closeStores, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	httpClient := httpx.NewClient(http.DefaultClient)

	planner := intent.NewPlanner(intent.PlannerConfig{
		AssetAddress:  network.AcceptedAsset,
		AssetDecimals: network.AssetDecimals,
	})

	var cap *big.Int
	if cfg.Policy.AmountCap > 0 {
		cap = big.NewInt(cfg.Policy.AmountCap)
	}
	pol := policy.NewEngine(policy.Config{
		AcceptedAsset: network.AcceptedAsset,
		AmountCap:     cap,
	})

	checker := preflight.NewChecker(httpClient, reader, preflight.Config{
		FacilitatorBaseURL: cfg.Facilitator.BaseURL,
		Network:            cfg.Network.Name,
	})

	payments, err := x402.NewClient(httpClient, reader,
		store.PaymentLookupAdapter{Payments: stores.Payments},
		x402.Config{
			FacilitatorBaseURL: cfg.Facilitator.BaseURL,
			Network:            cfg.Network.Name,
			ChainID:            network.ChainID,
			PayTo:              cfg.Facilitator.PayTo,
			Asset:              network.AcceptedAsset,
		})
	if err != nil {
		return err
	}

	builder := receipt.NewBuilder(network.ExplorerTxBase)

	var opts []engine.Option
	var history api.History
	if cfg.Storage.Archive.DSN != "" {
		archive, err := mysql.NewArchive(ctx, mysql.Config{DSN: cfg.Storage.Archive.DSN})
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, engine.WithArchiver(archive))
		history = archive
	}
	if cfg.Audit.URL != "" {
		publisher, err := audit.NewRabbitMQPublisher(audit.RabbitMQConfig{
			URL:     cfg.Audit.URL,
			Queue:   cfg.Audit.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, engine.WithPublisher(publisher))
	}

	pipeline := engine.New(planner, pol, checker, stores, builder,
		engine.Config{ChainID: network.ChainID}, opts...)

	server := api.NewServer(cfg.Server.Address, pipeline, payments, stores, history)
	appLog.Info("listening", "address", cfg.Server.Address)
	return server.Start(ctx)
}

func buildStores(cfg *config.Config) (store.Stores, func(), error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return store.NewMemoryStores(), func() {}, nil
	case "redis":
		backend, err := store.NewRedisStores(store.RedisConfig{
			Address:   cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return store.Stores{}, nil, err
		}
		return backend.Stores(), func() { _ = backend.Close() }, nil
	default:
		return store.Stores{}, nil, errors.New("unsupported storage driver: " + cfg.Storage.Driver)
	}
}
