// Package walletkey implements the order canonicaliser and Ed25519
// signature verifier. It canonicalises an order into a
// deterministic, key-sorted JSON form, frames it in a domain-separated
// envelope modeled on SEP-0053's "Stellar Signed Message" convention,
// hashes it, and verifies the signature against the submitter's
// Stellar account address.
package walletkey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/stellar/go/keypair"

	"darkpool-match/internal/apperr"
)

// AssetPair names a pair exactly as the client submitted it —
// canonicalisation and signing happen before pair admission, which
// compares these strings directly against the engine's resolved
// contract addresses (no symbol resolution takes place).
type AssetPair struct {
	Base  string
	Quote string
}

// CanonicalOrder carries exactly the fields that must be
// canonicalised, in their wire (pre-admission) form. Price is a
// pointer because it is present for Limit orders and omitted (not
// null) for Market orders.
type CanonicalOrder struct {
	OrderID     string
	UserAddress string
	AssetPair   AssetPair
	Side        string
	OrderType   string
	Price       *string
	Quantity    string
	TimeInForce string
	Timestamp   int64
}

// domainTag and typeTag together form the domain separator:
// domain_tag ∥ type_tag ∥ varint_length ∥ canonical_json_bytes,
// modeled on the SEP-0053 "Stellar Signed Message" envelope so a
// signed order can never be replayed as a signed ledger transaction
// or a signed message of a different type.
var (
	domainTag     = []byte("Stellar Signed Message:\n")
	typeTag       = []byte("darkpool-order/1\n")
	cancelTypeTag = []byte("darkpool-cancel/1\n")
)

// Canonicalize produces the deterministic byte encoding of an order.
// Because the object is built as nested map[string]interface{} values,
// encoding/json's guaranteed key-sorting does the work of "key-sorted
// at every nesting level" for us — the result is independent of the
// order the caller populated CanonicalOrder's fields in, and identical
// for any permutation of an equivalent wire-format JSON object.
func Canonicalize(o CanonicalOrder) ([]byte, error) {
	if o.OrderID == "" || o.UserAddress == "" || o.Side == "" || o.OrderType == "" || o.Quantity == "" {
		return nil, apperr.New(apperr.KindClientInput, "order missing required canonical fields")
	}

	obj := map[string]interface{}{
		"order_id": o.OrderID,
		"user_address": o.UserAddress,
		"asset_pair": map[string]interface{}{
			"base":  o.AssetPair.Base,
			"quote": o.AssetPair.Quote,
		},
		"side":          o.Side,
		"order_type":    o.OrderType,
		"quantity":      o.Quantity,
		"time_in_force": o.TimeInForce,
		"timestamp":     o.Timestamp,
	}
	if o.Price != nil {
		obj["price"] = *o.Price
	}

	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "canonicalize order", err)
	}
	return canonical, nil
}

// frameWithTag wraps canonical bytes in the signed-message envelope
// under the given type tag and returns the SHA-256 digest that gets
// signed/verified. typeTag is what keeps an order signature and a
// cancellation signature from ever being interchangeable.
func frameWithTag(tag, canonical []byte) [32]byte {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(canonical)))

	frame := make([]byte, 0, len(domainTag)+len(tag)+n+len(canonical))
	frame = append(frame, domainTag...)
	frame = append(frame, tag...)
	frame = append(frame, lenBuf[:n]...)
	frame = append(frame, canonical...)

	return sha256.Sum256(frame)
}

// Frame wraps canonical order bytes in the signed-message envelope and
// returns the SHA-256 digest that gets signed/verified.
func Frame(canonical []byte) [32]byte {
	return frameWithTag(typeTag, canonical)
}

// Digest canonicalises and frames an order in one step.
func Digest(o CanonicalOrder) ([32]byte, error) {
	canonical, err := Canonicalize(o)
	if err != nil {
		return [32]byte{}, err
	}
	return Frame(canonical), nil
}

// Verify decodes account as a Stellar strkey address and checks sig
// against digest. A malformed address or a failed curve check both
// surface as apperr.KindAuthFailure so the REST layer returns 401.
func Verify(account string, digest [32]byte, sig []byte) error {
	kp, err := keypair.ParseAddress(account)
	if err != nil {
		return apperr.Wrap(apperr.KindAuthFailure, "bad address", err)
	}
	if len(sig) != 64 {
		return apperr.New(apperr.KindAuthFailure, fmt.Sprintf("bad signature length %d", len(sig)))
	}
	if err := kp.Verify(digest[:], sig); err != nil {
		return apperr.Wrap(apperr.KindAuthFailure, "bad signature", err)
	}
	return nil
}

// VerifyOrder is the end-to-end entry point used by the engine:
// canonicalise, frame, hash, verify.
func VerifyOrder(o CanonicalOrder, sig []byte) error {
	digest, err := Digest(o)
	if err != nil {
		return err
	}
	return Verify(o.UserAddress, digest, sig)
}

// CanonicalizeCancel produces the deterministic byte encoding of a
// cancellation request: a signed cancellation envelope matching the
// order's account.
func CanonicalizeCancel(orderID, account string) ([]byte, error) {
	if orderID == "" || account == "" {
		return nil, apperr.New(apperr.KindClientInput, "cancellation missing order_id or user_address")
	}
	obj := map[string]interface{}{
		"order_id":     orderID,
		"user_address": account,
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "canonicalize cancellation", err)
	}
	return canonical, nil
}

// DigestCancel canonicalises and frames a cancellation in one step.
func DigestCancel(orderID, account string) ([32]byte, error) {
	canonical, err := CanonicalizeCancel(orderID, account)
	if err != nil {
		return [32]byte{}, err
	}
	return frameWithTag(cancelTypeTag, canonical), nil
}

// VerifyCancel verifies a cancellation signature: the cancel envelope
// uses its own type tag so a captured cancel signature can never be
// replayed as an order signature, or vice versa.
func VerifyCancel(orderID, account string, sig []byte) error {
	digest, err := DigestCancel(orderID, account)
	if err != nil {
		return err
	}
	return Verify(account, digest, sig)
}
