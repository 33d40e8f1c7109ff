// Command proposerd runs the off-chain intention-settlement proposer node:
// it accepts signed intentions, discovers vault-tracker deposits, and
// periodically assembles, signs, and anchors bundles of resolved transfers.
// Wiring order grounded on services/otc-gateway/main.go.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/proposer-node/proposer/internal/bundle"
	"github.com/proposer-node/proposer/internal/chain"
	"github.com/proposer-node/proposer/internal/config"
	"github.com/proposer-node/proposer/internal/depositledger"
	"github.com/proposer-node/proposer/internal/httpapi"
	"github.com/proposer-node/proposer/internal/intention"
	"github.com/proposer-node/proposer/internal/nameresolver"
	"github.com/proposer-node/proposer/internal/notify"
	"github.com/proposer-node/proposer/internal/store"

	proposercrypto "github.com/proposer-node/proposer/crypto"
	"github.com/proposer-node/proposer/observability/logging"
	proposerotel "github.com/proposer-node/proposer/observability/otel"
)

// vaultCreatorAdapter binds the chain gateway (which mints vault ids and
// registers the vault on-chain) to the local store (which persists the
// controller set), satisfying intention.VaultCreator.
type vaultCreatorAdapter struct {
	chain chain.Gateway
	store *store.Store
}

func (a vaultCreatorAdapter) NextVaultID(ctx context.Context) (uint64, error) {
	return a.chain.NextVaultID(ctx)
}

func (a vaultCreatorAdapter) CreateVault(ctx context.Context, vault uint64, controller string) error {
	if err := a.chain.CreateVault(ctx, vault, controller); err != nil {
		return err
	}
	return a.store.Transaction(ctx, func(tx *gorm.DB) error {
		return a.store.CreateVault(ctx, tx, vault, controller)
	})
}

// registryAdapter exposes the chain-anchored name registry to nameresolver
// behind its narrow Registry interface. The tracker contracts named in
// spec §4.7 carry no registry RPC method, so until one is wired, every
// name lookup resolves to not-found; an operator relying on
// outputs[].to_external names (rather than pre-resolved addresses) needs a
// real Registry implementation swapped in here.
type registryAdapter struct {
	gateway *chain.RPCGateway
}

func (r registryAdapter) Lookup(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}

func main() {
	env := strings.TrimSpace(os.Getenv("PROPOSER_ENV"))
	logger := logging.Setup("proposerd", env)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if cfg.OTelEnabled {
		shutdown, err := proposerotel.Init(context.Background(), proposerotel.Config{
			ServiceName: "proposerd",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTelEndpoint,
			Insecure:    cfg.OTelInsecure,
			Headers:     proposerotel.ParseHeaders(cfg.OTelHeaders),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("otel init: %v", err)
		}
		defer shutdown(context.Background())
	}

	signer, err := proposercrypto.LoadFromKeystore(cfg.ProposerKeyPath, cfg.ProposerKeyPassword)
	if err != nil {
		log.Fatalf("load proposer key: %v", err)
	}
	signerAddress := signer.PubKey().Address().String()
	if !strings.EqualFold(signerAddress, cfg.ProposerAddress) {
		log.Fatalf("PROPOSER_ADDRESS %s does not match key-derived address %s", cfg.ProposerAddress, signerAddress)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}

	proposerStore := store.New(db)
	if err := proposerStore.AutoMigrate(context.Background()); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	chainGateway := chain.NewRPCGateway(chain.Config{
		BaseURL:              cfg.ChainAPIBaseURL,
		APIKey:               cfg.ChainAPIKey,
		BundleTrackerAddress: cfg.BundleTrackerAddress,
		VaultTrackerAddress:  cfg.VaultTrackerAddress,
		Timeout:              cfg.BundleTimeout,
		RequestsPerSecond:    cfg.ChainRequestsPerSec,
	})

	resolver := nameresolver.New(registryAdapter{gateway: chainGateway}, cfg.NameCacheTTL)

	ledger := depositledger.New(proposerStore)
	discoverer := depositledger.NewDiscoverer(ledger, chainGateway)

	pendingQueue := bundle.NewQueue(0)

	webhookNotifier := notify.New(notify.Config{
		WebhookURL:         cfg.WebhookURL,
		WebhookSecret:      cfg.WebhookSecret,
		RateLimitPerMinute: cfg.WebhookRateLimit,
	}, logger)

	handler := intention.New(proposerStore, ledger, vaultCreatorAdapter{chain: chainGateway, store: proposerStore}, resolver, pendingQueue)

	proposer := bundle.New(pendingQueue, proposerStore, ledger, chainGateway, webhookNotifier, signer, signerAddress, cfg.TickInterval, cfg.PinEnabled, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go discoverer.Run(ctx, func(err error) {
		logger.Error("deposit discovery poll failed", "error", err)
	})
	go proposer.Run(ctx)
	go webhookNotifier.Run(ctx)

	httpServer := httpapi.New(handler, proposerStore, chainGateway, proposerStore, logger)
	wrapped := otelhttp.NewHandler(httpServer.Handler(), "proposerd")

	addr := ":" + cfg.HTTPPort
	logger.Info("starting proposerd", "addr", addr)
	if err := http.ListenAndServe(addr, wrapped); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
