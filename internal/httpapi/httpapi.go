// Package httpapi is the REST ingress: one handler struct per
// resource, each holding the dependencies it needs as fields, wired
// together from main. Every apperr.Kind is mapped to its HTTP status
// at this boundary — nothing downstream ever writes to an
// http.ResponseWriter directly.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"darkpool-match/internal/apperr"
	"darkpool-match/internal/engine"
	"darkpool-match/internal/model"
	"darkpool-match/internal/vault"
)

// errorBody is the structured error response: `{ "detail": "..." }`.
type errorBody struct {
	Detail string `json:"detail"`
}

// writeError maps an apperr.Kind to its HTTP status and writes the
// structured error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindClientInput:
		status = http.StatusBadRequest
	case apperr.KindAuthFailure:
		status = http.StatusUnauthorized
	case apperr.KindDuplicateOrderID:
		status = http.StatusConflict
	case apperr.KindPairNotSupported, apperr.KindInsufficientFunds, apperr.KindFOKUnfillable:
		status = http.StatusUnprocessableEntity
	case apperr.KindSettlementFailed:
		status = http.StatusBadGateway
	case apperr.KindUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindNotOwner:
		status = http.StatusForbidden
	case apperr.KindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// HealthHandler answers GET /health.
type HealthHandler struct{}

func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// OrdersHandler exposes order placement over HTTP.
// POST /api/v1/orders
type OrdersHandler struct {
	Engine *engine.Engine
	Log    *zap.SugaredLogger
}

type assetPairBody struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

type placeOrderRequest struct {
	OrderID     string        `json:"order_id"`
	UserAddress string        `json:"user_address"`
	AssetPair   assetPairBody `json:"asset_pair"`
	Side        string        `json:"side"`
	OrderType   string        `json:"order_type"`
	Price       string        `json:"price,omitempty"`
	Quantity    string        `json:"quantity"`
	TimeInForce string        `json:"time_in_force"`
	Timestamp   int64         `json:"timestamp"`
	Signature   string        `json:"signature"` // base64
}

type tradeOutcomeBody struct {
	TradeID          string `json:"trade_id"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	SettlementStatus string `json:"settlement_status"`
	TxID             string `json:"tx_id,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

type placeOrderResponse struct {
	OrderID string             `json:"order_id"`
	Status  string             `json:"status"`
	Trades  []tradeOutcomeBody `json:"trades"`
}

func (h *OrdersHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindClientInput, "malformed request body", err))
		return
	}

	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindClientInput, "malformed quantity", err))
		return
	}
	var price decimal.Decimal
	if req.Price != "" {
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindClientInput, "malformed price", err))
			return
		}
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindAuthFailure, "malformed signature encoding", err))
		return
	}

	orderReq := engine.OrderRequest{
		OrderID:     req.OrderID,
		Account:     req.UserAddress,
		Base:        req.AssetPair.Base,
		Quote:       req.AssetPair.Quote,
		Side:        model.Side(req.Side),
		Type:        model.OrderType(req.OrderType),
		Price:       price,
		Quantity:    quantity,
		TimeInForce: model.TimeInForce(req.TimeInForce),
		Timestamp:   req.Timestamp,
		Signature:   sig,
	}

	result, err := h.Engine.Submit(r.Context(), orderReq)
	if err != nil {
		h.Log.Errorw("order submission failed", "order_id", req.OrderID, "kind", apperr.KindOf(err), "err", err)
		writeError(w, err)
		return
	}

	resp := placeOrderResponse{OrderID: result.OrderID, Status: string(result.Status)}
	for _, t := range result.Trades {
		resp.Trades = append(resp.Trades, tradeOutcomeBody{
			TradeID:          strings.TrimRight(base64.StdEncoding.EncodeToString(t.Trade.TradeID[:]), "="),
			Price:            t.Trade.Price.String(),
			Quantity:         t.Trade.Quantity.String(),
			SettlementStatus: string(t.SettlementStatus),
			TxID:             t.TxID,
			FailureReason:    t.FailureReason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// OrderHandler exposes a single order's state.
// GET /api/v1/orders/{id}
type OrderHandler struct {
	Engine *engine.Engine
}

type orderView struct {
	OrderID        string `json:"order_id"`
	UserAddress    string `json:"user_address"`
	Side           string `json:"side"`
	OrderType      string `json:"order_type"`
	Price          string `json:"price,omitempty"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	TimeInForce    string `json:"time_in_force"`
	Status         string `json:"status"`
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request, orderID string) {
	order, ok := h.Engine.GetOrder(orderID)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "order not found"))
		return
	}
	view := orderView{
		OrderID:        order.OrderID,
		UserAddress:    order.Account,
		Side:           string(order.Side),
		OrderType:      string(order.Type),
		Quantity:       order.Quantity.String(),
		FilledQuantity: order.FilledQuantity.String(),
		TimeInForce:    string(order.TimeInForce),
		Status:         string(order.Status),
	}
	if order.Type == model.OrderTypeLimit {
		view.Price = order.Price.String()
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelHandler exposes order cancellation.
// DELETE /api/v1/orders/{id}
type CancelHandler struct {
	Engine *engine.Engine
}

type cancelRequest struct {
	UserAddress string `json:"user_address"`
	Signature   string `json:"signature"`
}

func (h *CancelHandler) Cancel(w http.ResponseWriter, r *http.Request, orderID string) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindClientInput, "malformed request body", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindAuthFailure, "malformed signature encoding", err))
		return
	}

	order, err := h.Engine.Cancel(orderID, req.UserAddress, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": order.OrderID, "status": string(order.Status)})
}

// OrderBookHandler exposes a depth snapshot.
// GET /api/v1/orderbook/{base}/{quote}
type OrderBookHandler struct {
	Engine *engine.Engine
}

type levelBody struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Count    int    `json:"count"`
}

type orderBookResponse struct {
	Pair      assetPairBody `json:"pair"`
	Bids      []levelBody   `json:"bids"`
	Asks      []levelBody   `json:"asks"`
	Timestamp int64         `json:"timestamp"`
}

func (h *OrderBookHandler) Snapshot(w http.ResponseWriter, r *http.Request, base, quote string) {
	pair := h.Engine.Pair()
	if base != pair.Base || quote != pair.Quote {
		writeError(w, apperr.New(apperr.KindPairNotSupported, "pair not supported by this engine"))
		return
	}

	depth := 20
	if raw := r.URL.Query().Get("depth"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			depth = n
		}
	}

	bids, asks := h.Engine.Snapshot(depth)
	resp := orderBookResponse{
		Pair:      assetPairBody{Base: pair.Base, Quote: pair.Quote},
		Timestamp: time.Now().Unix(),
	}
	for _, lvl := range bids {
		resp.Bids = append(resp.Bids, levelBody{Price: lvl.Price.String(), Quantity: lvl.Quantity.String(), Count: lvl.Count})
	}
	for _, lvl := range asks {
		resp.Asks = append(resp.Asks, levelBody{Price: lvl.Price.String(), Quantity: lvl.Quantity.String(), Count: lvl.Count})
	}
	writeJSON(w, http.StatusOK, resp)
}

// BalancesHandler exposes the vault's cached balance view.
// GET /api/v1/balances?user_address=…&token=…
type BalancesHandler struct {
	Vault *vault.Cache
}

func (h *BalancesHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("user_address")
	token := r.URL.Query().Get("token")
	if account == "" || token == "" {
		writeError(w, apperr.New(apperr.KindClientInput, "user_address and token are required"))
		return
	}

	view, err := h.Vault.Get(r.Context(), account, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance_raw": view.Available,
		"balance":     decimal.New(view.Available, -7).String(),
		"committed":   view.Committed,
		"reserved":    view.Reserved,
	})
}

// AdminHandler exposes the test-only cache-flush convenience,
// POST /api/v1/admin/clear_cache.
type AdminHandler struct {
	Vault *vault.Cache
}

func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.Vault.ClearAll()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
