// Package settlement is the on-chain settlement driver: it turns a
// matched trade into a settle_trade contract call and drives the
// simulate → sign → submit → poll pipeline to a terminal result.
package settlement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/xdr"
	"go.uber.org/zap"

	"darkpool-match/internal/apperr"
	"darkpool-match/internal/model"
	"darkpool-match/internal/sorobanrpc"
)

// stroopsPerUnit is the ledger's smallest-unit scaling factor: 10^7.
const stroopsPerUnit = 10_000_000

// maxStroops is the largest amount that fits the ledger's signed
// 64-bit stroop width.
var maxStroops = decimal.NewFromInt(math.MaxInt64)

// Instruction is the settle_trade contract argument.
type Instruction struct {
	TradeID     [32]byte
	BuyAccount  string
	SellAccount string
	BaseAsset   string
	QuoteAsset  string
	BaseAmount  int64 // stroops
	QuoteAmount int64 // stroops
	Fee         int64 // always zero
	Timestamp   int64
}

// ToStroops scales a decimal amount to the ledger's integer unit,
// rounding half-up at zero decimals. shopspring/decimal's Round rounds
// half away from zero, which for the non-negative trade amounts this
// module ever scales is exactly half-up. Returns KindClientInput if
// the scaled amount would overflow the ledger's signed 64-bit stroop
// width, rather than silently truncating through decimal.IntPart.
func ToStroops(amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(decimal.NewFromInt(stroopsPerUnit)).Round(0)
	if scaled.GreaterThan(maxStroops) || scaled.LessThan(maxStroops.Neg()) {
		return 0, apperr.New(apperr.KindClientInput, "amount overflows stroop width at scaling")
	}
	return scaled.IntPart(), nil
}

// BuildInstruction derives the on-chain settle_trade argument from a
// matched trade's already-scaled stroop amounts.
func BuildInstruction(trade model.Trade, baseAmount, quoteAmount int64, baseAsset, quoteAsset string, ts int64) Instruction {
	return Instruction{
		TradeID:     trade.TradeID,
		BuyAccount:  trade.BuyAccount,
		SellAccount: trade.SellAccount,
		BaseAsset:   baseAsset,
		QuoteAsset:  quoteAsset,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		Fee:         0,
		Timestamp:   ts,
	}
}

// onChainInstruction is the XDR wire shape of Instruction, built from
// stellar/go/xdr's primitive types so the reflective encoder in
// xdr.Marshal can walk it directly.
type onChainInstruction struct {
	TradeID     xdr.Hash
	BuyAccount  xdr.AccountId
	SellAccount xdr.AccountId
	BaseAmount  xdr.Int64
	QuoteAmount xdr.Int64
	Fee         xdr.Int64
	Timestamp   xdr.Int64
}

func encodeInstruction(ins Instruction) ([]byte, error) {
	buyID, err := xdr.AddressToAccountId(ins.BuyAccount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode buy account", err)
	}
	sellID, err := xdr.AddressToAccountId(ins.SellAccount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode sell account", err)
	}

	payload := onChainInstruction{
		TradeID:     xdr.Hash(ins.TradeID),
		BuyAccount:  buyID,
		SellAccount: sellID,
		BaseAmount:  xdr.Int64(ins.BaseAmount),
		QuoteAmount: xdr.Int64(ins.QuoteAmount),
		Fee:         xdr.Int64(ins.Fee),
		Timestamp:   xdr.Int64(ins.Timestamp),
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal settle_trade instruction", err)
	}
	return buf.Bytes(), nil
}

func signInstruction(signingKeySeed string, raw []byte) ([]byte, error) {
	kp, err := keypair.ParseFull(signingKeySeed)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parse matching engine signing key", err)
	}
	digest := sha256.Sum256(raw)
	sig, err := kp.Sign(digest[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "sign settle_trade instruction", err)
	}
	return sig, nil
}

// Result is the outcome of one settle_trade attempt.
type Result struct {
	TxID   string
	Status model.SettlementStatus
	Reason string // populated when Status == SettlementFailed
}

// Driver drives trades through on-chain settlement.
type Driver struct {
	rpc         *sorobanrpc.Client
	contractID  string
	signingSeed string
	timeout     time.Duration
	log         *zap.SugaredLogger
}

// NewDriver builds a settlement driver against one contract, signing
// every call with signingSeed (MATCHING_ENGINE_SIGNING_KEY).
func NewDriver(rpc *sorobanrpc.Client, contractID, signingSeed string, timeout time.Duration, log *zap.SugaredLogger) *Driver {
	return &Driver{rpc: rpc, contractID: contractID, signingSeed: signingSeed, timeout: timeout, log: log}
}

// Settle drives one trade through simulate → sign → submit → poll
// and returns its terminal status.
func (d *Driver) Settle(ctx context.Context, ins Instruction) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := encodeInstruction(ins)
	if err != nil {
		return Result{}, err
	}

	// Simulate first so transaction-data/footprint suggestions surface
	// before anything is signed; a simulate failure means the contract
	// would reject the call outright and there is no point spending a
	// signature or a submission on it.
	if _, err := d.rpc.SimulateTransaction(ctx, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return Result{}, classifyUpstream(err)
	}

	sig, err := signInstruction(d.signingSeed, raw)
	if err != nil {
		return Result{}, err
	}
	envelope := base64.StdEncoding.EncodeToString(raw) + "." + base64.StdEncoding.EncodeToString(sig)

	sent, err := d.rpc.SendTransaction(ctx, envelope)
	if err != nil {
		return Result{}, classifyUpstream(err)
	}
	if sent.Status == "ERROR" {
		reason := classifyFailureReason(sent.ErrorResult)
		return Result{Status: model.SettlementFailed, Reason: reason}, apperr.New(apperr.KindSettlementFailed, reason)
	}

	return d.poll(ctx, sent.Hash)
}

// poll bounds its own wait on ctx's deadline (set by Settle's
// WithTimeout), backing off exponentially between getTransaction
// checks: bounded retry, exponential backoff, overall timeout
// defaulting to 30s.
func (d *Driver) poll(ctx context.Context, hash string) (Result, error) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		res, err := d.rpc.GetTransaction(ctx, hash)
		if err != nil {
			return Result{}, classifyUpstream(err)
		}

		switch res.Status {
		case "SUCCESS":
			return Result{TxID: hash, Status: model.SettlementSettled}, nil
		case "FAILED":
			reason := classifyFailureReason(res.ResultXdr)
			return Result{TxID: hash, Status: model.SettlementFailed, Reason: reason},
				apperr.New(apperr.KindSettlementFailed, reason)
		case "NOT_FOUND":
			select {
			case <-ctx.Done():
				return Result{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "settlement poll timed out", ctx.Err())
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
		default:
			return Result{}, apperr.New(apperr.KindInternal, "unrecognised transaction status "+res.Status)
		}
	}
}

func classifyUpstream(err error) error {
	return apperr.Wrap(apperr.KindUpstreamUnavailable, "soroban rpc", err)
}

// classifyFailureReason maps a raw contract failure string to one of
// the named settlement failure reasons. The real contract is
// expected to tag its failure with a recognisable word; this is a
// best-effort classification, not a full result-union decode.
func classifyFailureReason(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "insufficient"):
		return "InsufficientVaultBalance"
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "unauthorised"):
		return "UnauthorizedMatcher"
	case strings.Contains(lower, "revoked"):
		return "Revoked"
	case raw == "":
		return "ContractRejected"
	default:
		return "ContractRejected"
	}
}

// ResolvedPair names the on-chain base/quote token contract addresses
// the settlement contract was deployed with: the engine queries the
// contract once for its token_a/token_b pair.
type ResolvedPair struct {
	Base  string
	Quote string
}

// ResolvePair is the engine's startup bootstrap step: it reads the
// settlement contract's configured token pair once, before accepting
// any orders, so pair admission has something to check against.
func (d *Driver) ResolvePair(ctx context.Context) (ResolvedPair, error) {
	keyXDR, err := tokenPairLedgerKey(d.contractID)
	if err != nil {
		return ResolvedPair{}, apperr.Wrap(apperr.KindInternal, "build token pair ledger key", err)
	}

	res, err := d.rpc.GetLedgerEntries(ctx, []string{keyXDR})
	if err != nil {
		return ResolvedPair{}, classifyUpstream(err)
	}
	if len(res.Entries) == 0 {
		return ResolvedPair{}, apperr.New(apperr.KindUpstreamUnavailable, "settlement contract has no configured token pair")
	}
	return decodeTokenPair(res.Entries[0].XDR)
}

type tokenPairEntry struct {
	ContractID xdr.Hash
	Key        xdr.ScSymbol
}

func tokenPairLedgerKey(contractID string) (string, error) {
	var hash xdr.Hash
	decoded, err := base64.StdEncoding.DecodeString(contractID)
	if err == nil && len(decoded) == len(hash) {
		copy(hash[:], decoded)
	} else {
		copy(hash[:], []byte(contractID))
	}

	entry := tokenPairEntry{ContractID: hash, Key: xdr.ScSymbol("TokenPair")}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, entry); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

type tokenPairValue struct {
	Base  xdr.AccountId
	Quote xdr.AccountId
}

func decodeTokenPair(entryXDR string) (ResolvedPair, error) {
	raw, err := base64.StdEncoding.DecodeString(entryXDR)
	if err != nil {
		return ResolvedPair{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "decode token pair ledger entry", err)
	}
	var value tokenPairValue
	if _, err := xdr.Unmarshal(bytes.NewReader(raw), &value); err != nil {
		return ResolvedPair{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "unmarshal token pair ledger entry", err)
	}
	return ResolvedPair{Base: value.Base.Address(), Quote: value.Quote.Address()}, nil
}
