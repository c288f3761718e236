// Command premium-gateway buys premium research content per query with on-chain
// payments and serves the purchase actions over MCP (SSE) and HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/x402-foundation/premium"
	"github.com/x402-foundation/premium/cache"
	"github.com/x402-foundation/premium/config"
	"github.com/x402-foundation/premium/content"
	"github.com/x402-foundation/premium/events"
	premiumhttp "github.com/x402-foundation/premium/http"
	"github.com/x402-foundation/premium/knowledge"
	premiummcp "github.com/x402-foundation/premium/mcp"
	"github.com/x402-foundation/premium/mechanisms/evm"
	evmsigner "github.com/x402-foundation/premium/signers/evm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if l, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(l)
	}
	return zcfg.Build()
}

// gateway is the wired process
type gateway struct {
	acquirer     *premium.Acquirer
	verifier     *premium.Verifier
	content      premium.ContentSource
	contentLimit int
	search       premium.PaymentRequirement
	store        premium.QueryStore
	registry     *prometheus.Registry
	mcpHandler   http.Handler
	closers      []func() error
}

func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		_ = g.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	g, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	var handler http.Handler
	switch cfg.ServerFramework {
	case config.FrameworkEcho:
		handler = g.echoHandler(cfg, logger)
	default:
		handler = g.ginHandler(cfg, logger)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("premium gateway listening",
			zap.Int("port", cfg.Port),
			zap.String("framework", cfg.ServerFramework),
			zap.String("network", string(cfg.Network)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gateway, error) {
	g := &gateway{contentLimit: cfg.ContentLimit}
	ok := false
	defer func() {
		if !ok {
			g.Close()
		}
	}()

	// Chain
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.RPCURL, err)
	}
	g.closers = append(g.closers, func() error { rpc.Close(); return nil })

	var signer evm.TxSigner
	if cfg.CanSign() {
		s, err := evmsigner.NewSignerFromPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("EVM_PRIVATE_KEY: %w", err)
		}
		signer = s
	}
	chain, err := evm.NewChain(rpc, string(cfg.Network), signer, evm.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := chain.CheckChainID(ctx); err != nil {
		return nil, err
	}
	if chain.CanSign() {
		logger.Info("settlement enabled", zap.String("payer", chain.Address()))
	} else {
		logger.Warn("EVM_PRIVATE_KEY not set; purchases require a caller-supplied transaction id")
	}

	// Metrics
	g.registry = prometheus.NewRegistry()
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []premium.Option{
		premium.WithLogger(logger),
		premium.WithMetrics(premium.NewMetrics(g.registry)),
		premium.WithDocumentBuilder(knowledge.BuildDocument),
		premium.WithFetchFailurePolicy(cfg.FetchFailurePolicy),
		premium.WithContentLimit(cfg.ContentLimit),
	}

	// Events
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, events.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, sink.Close)
		opts = append(opts, premium.WithEventSink(sink))
	}

	// Payment
	resolver, err := premium.NewRequirementResolver(cfg.ResolverConfig())
	if err != nil {
		return nil, err
	}
	g.search, err = resolver.Resolve(premium.ClassPremiumSearch, nil)
	if err != nil {
		return nil, err
	}

	var payer premium.PaymentChain
	if chain.CanSign() {
		payer = chain
	}
	settlement := premium.NewSettlementEngine(payer, opts...)
	g.verifier = premium.NewVerifier(chain, opts...)

	// Dedup cache
	var store premium.QueryStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		g.closers = append(g.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		store = cache.NewRedisStore(rdb, cache.WithTTL(cfg.CacheTTL))
	} else {
		store = cache.NewInMemoryStore(cache.WithTTL(cfg.CacheTTL))
	}
	g.store = store

	// Content source
	contentOpts := []content.Option{
		content.WithAPIKey(cfg.ContentAPIKey),
		content.WithAbstractLimit(cfg.AbstractMaxChars),
		content.WithLogger(logger),
	}
	if cfg.ContentPaywalled {
		paying := premiumhttp.NewPaymentClient(resolver, settlement, g.verifier, premiumhttp.WithLogger(logger))
		contentOpts = append(contentOpts, content.WithHTTPClient(paying.HTTPClient()))
	}
	contentClient, err := content.NewClient(cfg.ContentURL, contentOpts...)
	if err != nil {
		return nil, err
	}
	g.content = contentClient

	// Knowledge store
	var knowledgeStore premium.KnowledgeStore
	if cfg.KnowledgeURL != "" {
		kc, err := knowledge.NewClient(cfg.KnowledgeURL, knowledge.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		knowledgeStore = kc
	}

	g.acquirer, err = premium.NewAcquirer(premium.AcquirerConfig{
		Store:      store,
		Resolver:   resolver,
		Settlement: settlement,
		Verifier:   g.verifier,
		Content:    g.content,
		Knowledge:  knowledgeStore,
	}, opts...)
	if err != nil {
		return nil, err
	}

	mcpServer := premiummcp.NewServer(g.acquirer, premiummcp.WithLogger(logger))
	g.mcpHandler = mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return mcpServer
	}, nil)

	ok = true
	return g, nil
}
