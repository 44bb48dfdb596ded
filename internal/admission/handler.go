// Package admission orchestrates the request path: verify the voucher,
// reserve the cost ceiling, call the provider, reconcile the real cost, and
// persist a settlement-pending record for the redemption batcher.
//
// A reservation taken here is always resolved before the handler returns,
// released on failure or reconciled on success, even when the caller abandons
// the request mid-flight.
package admission

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/ledger"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/pricing"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/provider"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/store"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/voucher"
)

// VoucherAuthority validates vouchers and owns the nonce seen-set.
// Satisfied by *voucher.Authority; decoupled here so handler tests can mock it.
type VoucherAuthority interface {
	Verify(ctx context.Context, v *voucher.Voucher, sig []byte) error
	ReleaseNonce(ctx context.Context, v *voucher.Voucher)
}

// ChatProvider is the metered inference call. Satisfied by *provider.Client.
type ChatProvider interface {
	Complete(ctx context.Context, req provider.ChatRequest) (*openai.ChatCompletion, provider.Usage, error)
}

type Handler struct {
	authority VoucherAuthority
	ledger    *ledger.Ledger
	prices    *pricing.Table
	chat      ChatProvider
	store     *store.Store
	log       *zap.Logger
}

func NewHandler(
	authority VoucherAuthority,
	ldg *ledger.Ledger,
	prices *pricing.Table,
	chat ChatProvider,
	st *store.Store,
	log *zap.Logger,
) *Handler {
	return &Handler{
		authority: authority,
		ledger:    ldg,
		prices:    prices,
		chat:      chat,
		store:     st,
		log:       log,
	}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/v1/chat/completions", h.handleChat)
	r.GET("/api/balance/:channel", h.handleBalance)
	r.GET("/api/usage/:channel", h.handleUsage)
	r.GET("/api/pricing", h.handlePricing)
}

// authPayload is the decoded Authorization bearer token: a voucher plus its
// detached signature, base64-encoded JSON (the OpenAI-compatible wire format
// carries no other slot for them).
type authPayload struct {
	Voucher   *voucher.Voucher `json:"voucher"`
	Signature string           `json:"signature"`
}

func parseAuthorization(header string) (*voucher.Voucher, []byte, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, nil, errors.New("authorization header with bearer voucher required")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return nil, nil, errors.New("invalid voucher encoding")
	}
	var payload authPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, errors.New("invalid voucher payload")
	}
	if err := payload.Voucher.Validate(); err != nil {
		return nil, nil, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil {
		return nil, nil, errors.New("invalid signature hex")
	}
	return payload.Voucher, sig, nil
}

func respondError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"error": kind, "message": message})
}

func (h *Handler) handleChat(c *gin.Context) {
	v, sig, err := parseAuthorization(c.GetHeader("Authorization"))
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid_request", err.Error())
		return
	}

	var req provider.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "model and messages are required")
		return
	}
	if req.Model != v.Model {
		respondError(c, http.StatusBadRequest, "invalid_request", "request model does not match voucher model")
		return
	}

	ctx := c.Request.Context()

	// Step 1: authenticity, freshness, single use. No ledger state touched yet.
	if err := h.authority.Verify(ctx, v, sig); err != nil {
		switch {
		case errors.Is(err, voucher.ErrExpired):
			respondError(c, http.StatusUnauthorized, "voucher_expired", "voucher deadline has passed")
		case errors.Is(err, voucher.ErrNonceReused):
			respondError(c, http.StatusConflict, "nonce_reused", "voucher nonce was already used")
		case errors.Is(err, voucher.ErrInvalidSignature):
			respondError(c, http.StatusUnauthorized, "invalid_signature", "voucher signature does not match channel")
		default:
			respondError(c, http.StatusInternalServerError, "internal_error", "voucher verification failed")
		}
		return
	}

	// Once funds are held the reservation must be resolved no matter what the
	// caller does, so everything from the reserve onward runs detached from
	// the request's cancellation. The provider call carries its own timeout.
	rctx := context.WithoutCancel(ctx)

	// Step 2: reserve the worst-case debit derived from the voucher's bounds.
	maxDebit, err := h.prices.MaxCost(v.Model, v.InputTokenAmount.Int64(), v.MaxOutputTokenAmount.Int64())
	if err != nil {
		h.authority.ReleaseNonce(rctx, v)
		respondError(c, http.StatusBadRequest, "unknown_model", "no pricing for model "+v.Model)
		return
	}
	if maxDebit.Sign() <= 0 {
		h.authority.ReleaseNonce(rctx, v)
		respondError(c, http.StatusBadRequest, "invalid_request", "voucher authorizes no spend")
		return
	}
	if err := h.ledger.Reserve(rctx, v.Channel, maxDebit); err != nil {
		h.authority.ReleaseNonce(rctx, v)
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			respondError(c, http.StatusPaymentRequired, "insufficient_balance", "channel balance cannot cover the voucher ceiling")
			return
		}
		h.log.Error("reserve failed", zap.String("channel", v.Channel.Hex()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "reservation failed")
		return
	}

	if err := h.ledger.MarkReservation(rctx, v.Channel, v.Nonce, maxDebit); err != nil {
		h.log.Warn("mark reservation", zap.String("channel", v.Channel.Hex()), zap.Error(err))
	}

	// Step 3: the costed external call.
	resp, usage, err := h.chat.Complete(rctx, req)
	if err != nil {
		h.rollback(rctx, v, maxDebit)
		h.log.Warn("provider call failed, reservation released",
			zap.String("channel", v.Channel.Hex()),
			zap.String("model", v.Model),
			zap.Error(err),
		)
		respondError(c, http.StatusBadGateway, "provider_failure", "provider request failed or timed out")
		return
	}

	// Step 4: price the reported usage, capped at the reserved ceiling.
	realCost, err := h.prices.Cost(v.Model, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		// Model priced at step 2, so this cannot miss; bill the ceiling if it does.
		realCost = new(big.Int).Set(maxDebit)
	}
	if realCost.Cmp(maxDebit) > 0 {
		h.log.Warn("reported usage exceeds voucher ceiling, capping",
			zap.String("channel", v.Channel.Hex()),
			zap.String("real_cost", realCost.String()),
			zap.String("max_debit", maxDebit.String()),
		)
		realCost = new(big.Int).Set(maxDebit)
	}

	// Step 5: reconcile and persist the settlement-pending voucher. The
	// service was already rendered: failures past this point are logged for
	// the recovery sweep, never paid for twice by re-invoking the provider.
	if err := h.ledger.Reconcile(rctx, v.Channel, maxDebit, realCost); err != nil {
		h.log.Error("reconcile failed after provider success",
			zap.String("channel", v.Channel.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, resp)
		return
	}

	// Keep the marker in step with the hold: from here the reservation is
	// realCost, and a sweep of an unfinished request must release exactly that.
	if err := h.ledger.MarkReservation(rctx, v.Channel, v.Nonce, realCost); err != nil {
		h.log.Warn("update reservation marker", zap.String("channel", v.Channel.Hex()), zap.Error(err))
	}

	rec := &store.Settlement{
		Channel:              v.Channel,
		Nonce:                v.Nonce,
		Deadline:             v.Deadline,
		Model:                v.Model,
		InputTokenAmount:     v.InputTokenAmount,
		MaxOutputTokenAmount: v.MaxOutputTokenAmount,
		Signature:            sig,
		InputTokens:          usage.InputTokens,
		OutputTokens:         usage.OutputTokens,
		MaxDebit:             maxDebit,
		RealCost:             realCost,
		CreatedAt:            time.Now().Unix(),
	}
	if err := h.store.Create(rctx, rec); err != nil {
		h.log.Error("persist settlement record failed",
			zap.String("channel", v.Channel.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, resp)
		return
	}

	if err := h.ledger.ClearReservation(rctx, v.Channel, v.Nonce); err != nil {
		h.log.Warn("clear reservation", zap.String("channel", v.Channel.Hex()), zap.Error(err))
	}

	h.log.Info("request settled off-chain",
		zap.String("channel", v.Channel.Hex()),
		zap.String("nonce", v.Nonce.String()),
		zap.String("model", v.Model),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.String("real_cost", realCost.String()),
	)
	c.JSON(http.StatusOK, resp)
}

// rollback resolves a reservation whose request failed before settlement: the
// hold is released and the nonce returned to the signer.
func (h *Handler) rollback(ctx context.Context, v *voucher.Voucher, maxDebit *big.Int) {
	if err := h.ledger.Release(ctx, v.Channel, maxDebit); err != nil {
		h.log.Error("release reservation failed",
			zap.String("channel", v.Channel.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.Error(err),
		)
	}
	if err := h.ledger.ClearReservation(ctx, v.Channel, v.Nonce); err != nil {
		h.log.Warn("clear reservation", zap.String("channel", v.Channel.Hex()), zap.Error(err))
	}
	h.authority.ReleaseNonce(ctx, v)
}

func (h *Handler) handleBalance(c *gin.Context) {
	raw := c.Param("channel")
	if !common.IsHexAddress(raw) {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid channel address")
		return
	}
	channel := common.HexToAddress(raw)

	credit, pending, err := h.ledger.Balance(c.Request.Context(), channel)
	if err != nil {
		h.log.Error("balance read failed", zap.String("channel", channel.Hex()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "balance read failed")
		return
	}
	available := new(big.Int).Sub(credit, pending)
	c.JSON(http.StatusOK, gin.H{
		"channel":   channel.Hex(),
		"credit":    credit.String(),
		"pending":   pending.String(),
		"available": available.String(),
	})
}

type usageEntry struct {
	Nonce        string `json:"nonce"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Cost         string `json:"cost"`
	CreatedAt    int64  `json:"created_at"`
	RedeemedAt   int64  `json:"redeemed_at,omitempty"`
}

func (h *Handler) handleUsage(c *gin.Context) {
	raw := c.Param("channel")
	if !common.IsHexAddress(raw) {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid channel address")
		return
	}
	channel := common.HexToAddress(raw)

	records, err := h.store.History(c.Request.Context(), channel)
	if err != nil {
		h.log.Error("usage read failed", zap.String("channel", channel.Hex()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "usage read failed")
		return
	}

	entries := make([]usageEntry, len(records))
	for i, rec := range records {
		entries[i] = usageEntry{
			Nonce:        rec.Nonce.String(),
			Model:        rec.Model,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			Cost:         rec.RealCost.String(),
			CreatedAt:    rec.CreatedAt,
			RedeemedAt:   rec.RedeemedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"channel": channel.Hex(), "usage": entries})
}

func (h *Handler) handlePricing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"usd_cents_per_pol": h.prices.USDCentsPerPOL(),
		"models":            h.prices.Models(),
	})
}
