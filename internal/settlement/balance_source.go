package settlement

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/stellar/go/xdr"

	"darkpool-match/internal/apperr"
	"darkpool-match/internal/sorobanrpc"
)

// BalanceSource implements vault.BalanceSource by reading the
// settlement contract's balance storage through getLedgerEntries —
// the read path behind the vault cache's get_balance(account, token).
type BalanceSource struct {
	rpc        *sorobanrpc.Client
	contractID string
}

// NewBalanceSource builds a contract-backed balance reader.
func NewBalanceSource(rpc *sorobanrpc.Client, contractID string) *BalanceSource {
	return &BalanceSource{rpc: rpc, contractID: contractID}
}

type balanceLedgerKey struct {
	ContractID xdr.Hash
	Account    xdr.AccountId
	Token      xdr.ScSymbol
}

type balanceLedgerValue struct {
	Amount xdr.Int64
}

// GetBalance satisfies vault.BalanceSource.
func (s *BalanceSource) GetBalance(ctx context.Context, account, token string) (int64, error) {
	keyXDR, err := s.balanceKey(account, token)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "build balance ledger key", err)
	}

	res, err := s.rpc.GetLedgerEntries(ctx, []string{keyXDR})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUpstreamUnavailable, "get_balance", err)
	}
	if len(res.Entries) == 0 {
		return 0, nil // no deposit recorded yet: balance is zero, not an error
	}

	raw, err := base64.StdEncoding.DecodeString(res.Entries[0].XDR)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUpstreamUnavailable, "decode balance ledger entry", err)
	}
	var value balanceLedgerValue
	if _, err := xdr.Unmarshal(bytes.NewReader(raw), &value); err != nil {
		return 0, apperr.Wrap(apperr.KindUpstreamUnavailable, "unmarshal balance ledger entry", err)
	}
	return int64(value.Amount), nil
}

func (s *BalanceSource) balanceKey(account, token string) (string, error) {
	var contractHash xdr.Hash
	decoded, err := base64.StdEncoding.DecodeString(s.contractID)
	if err == nil && len(decoded) == len(contractHash) {
		copy(contractHash[:], decoded)
	} else {
		copy(contractHash[:], []byte(s.contractID))
	}

	accountID, err := xdr.AddressToAccountId(account)
	if err != nil {
		return "", err
	}

	key := balanceLedgerKey{ContractID: contractHash, Account: accountID, Token: xdr.ScSymbol(token)}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
