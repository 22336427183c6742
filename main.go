package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"darkpool-match/internal/book"
	"darkpool-match/internal/config"
	"darkpool-match/internal/engine"
	"darkpool-match/internal/httpapi"
	"darkpool-match/internal/logging"
	"darkpool-match/internal/model"
	"darkpool-match/internal/settlement"
	"darkpool-match/internal/sorobanrpc"
	"darkpool-match/internal/vault"
)

func main() {
	log := logging.New()
	defer log.Sync()

	cfg := config.Load()

	// Background context for the whole process, cancelled on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpc := sorobanrpc.New(cfg.SorobanRPCURL, cfg.SettlementTimeout)
	settlementLog := logging.Component(log, "settlement")
	settler := settlement.NewDriver(rpc, cfg.SettlementContractID, cfg.MatchingEngineSigningKey, cfg.SettlementTimeout, settlementLog)

	// Resolve the settlement contract's configured token pair once,
	// before accepting any orders.
	pair, err := settler.ResolvePair(ctx)
	if err != nil {
		log.Fatalw("failed to resolve settlement contract's token pair at startup", "err", err)
	}
	log.Infow("resolved settlement pair", "base", pair.Base, "quote", pair.Quote)

	balanceSource := settlement.NewBalanceSource(rpc, cfg.SettlementContractID)
	vaultLog := logging.Component(log, "vault")
	vaultCache := vault.New(balanceSource, cfg.BalanceCacheTTL, vaultLog)

	policy := book.SelfTradePolicy(cfg.SelfTradePolicy)
	engineLog := logging.Component(log, "engine")
	eng := engine.New(model.Pair{Base: pair.Base, Quote: pair.Quote}, policy, vaultCache, settler, engineLog)

	mux := httpapi.NewMux(eng, vaultCache, logging.Component(log, "httpapi"))

	server := &http.Server{
		Addr:              ":" + cfg.RESTPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("listening", "port", cfg.RESTPort, "self_trade_policy", policy)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
}
