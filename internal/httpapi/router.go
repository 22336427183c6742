package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"darkpool-match/internal/engine"
	"darkpool-match/internal/vault"
)

// NewMux wires every REST route onto one *http.ServeMux, using Go's
// built-in method- and wildcard-aware routing patterns
// (`"GET /path/{id}"`) rather than a third-party router: the standard
// library has carried this natively since Go 1.22, and none of the
// path-parameter routes here need more than it offers.
func NewMux(eng *engine.Engine, vaultCache *vault.Cache, log *zap.SugaredLogger) *http.ServeMux {
	mux := http.NewServeMux()

	health := &HealthHandler{}
	orders := &OrdersHandler{Engine: eng, Log: log}
	order := &OrderHandler{Engine: eng}
	cancel := &CancelHandler{Engine: eng}
	book := &OrderBookHandler{Engine: eng}
	balances := &BalancesHandler{Vault: vaultCache}
	admin := &AdminHandler{Vault: vaultCache}

	mux.HandleFunc("GET /health", health.Handle)
	mux.HandleFunc("POST /api/v1/orders", orders.Place)
	mux.HandleFunc("GET /api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		order.Get(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("DELETE /api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		cancel.Cancel(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/v1/orderbook/{base}/{quote}", func(w http.ResponseWriter, r *http.Request) {
		book.Snapshot(w, r, r.PathValue("base"), r.PathValue("quote"))
	})
	mux.HandleFunc("GET /api/v1/balances", balances.Get)
	mux.HandleFunc("POST /api/v1/admin/clear_cache", admin.ClearCache)

	return mux
}
