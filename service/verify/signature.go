package verify

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/brojonat/paygate/service/config"
)

var (
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	word32Regex  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	amountRegex  = regexp.MustCompile(`^[0-9]+$`)
)

// Authorization is a caller-supplied EIP-3009 TransferWithAuthorization
// payload: the signed message fields plus the three-part signature. It is
// never persisted as a whole; only the nonce survives on success.
type Authorization struct {
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// DecodeAuthorization parses a base64-encoded JSON authorization as delivered
// in the Payment-Signature header, and validates its structure. Semantic
// checks (recipient, amount, window, signature) are the verifier's job; this
// only rejects payloads that are not well-formed.
func DecodeAuthorization(encoded string) (*Authorization, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	var auth Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if !addressRegex.MatchString(auth.From) {
		return nil, fmt.Errorf("invalid from address: %q", auth.From)
	}
	if !addressRegex.MatchString(auth.To) {
		return nil, fmt.Errorf("invalid to address: %q", auth.To)
	}
	if !amountRegex.MatchString(auth.Value) {
		return nil, fmt.Errorf("invalid value: %q", auth.Value)
	}
	if !word32Regex.MatchString(auth.Nonce) {
		return nil, fmt.Errorf("invalid nonce: must be a 32-byte hex string")
	}
	if !word32Regex.MatchString(auth.R) || !word32Regex.MatchString(auth.S) {
		return nil, fmt.Errorf("invalid signature components: r and s must be 32-byte hex strings")
	}
	if auth.V != 0 && auth.V != 1 && auth.V != 27 && auth.V != 28 {
		return nil, fmt.Errorf("invalid signature recovery id: %d", auth.V)
	}
	if auth.ValidBefore < auth.ValidAfter {
		return nil, fmt.Errorf("invalid validity window: validBefore precedes validAfter")
	}

	return &auth, nil
}

// transferWithAuthorizationTypes is the fixed EIP-3009 field schema.
var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// HashAuthorization computes the EIP-712 digest for an authorization under
// the given token domain. The domain binds the signature to one token name,
// version, chain, and contract, so it cannot be replayed elsewhere.
func HashAuthorization(auth *Authorization, tokenName, tokenVersion string, chainID int64, tokenAddress string) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %q", auth.Value)
	}

	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(tokenAddress).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  math.NewHexOrDecimal256(auth.ValidAfter),
			"validBefore": math.NewHexOrDecimal256(auth.ValidBefore),
			"nonce":       common.HexToHash(auth.Nonce).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// RecoverSigner recovers the signing address from the authorization's
// signature over the given digest. The canonical (lowercase) address is
// returned. Recovery ids of 27/28 are normalized to 0/1.
func RecoverSigner(auth *Authorization, digest []byte) (string, error) {
	v := auth.V
	if v >= 27 {
		v -= 27
	}

	sig := make([]byte, 65)
	copy(sig[0:32], common.HexToHash(auth.R).Bytes())
	copy(sig[32:64], common.HexToHash(auth.S).Bytes())
	sig[64] = v

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	return config.CanonicalAddress(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}
