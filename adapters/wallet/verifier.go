package wallet

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/tollgate/ports"
)

// evmSignatureLength is R || S || V
const evmSignatureLength = 65

var errUndecodable = errors.New("signature is not hex, base58 or base64 of the expected length")

// Verifier implements ports.SignatureVerifier for Solana and EVM wallets
type Verifier struct{}

var _ ports.SignatureVerifier = (*Verifier)(nil)

// NewVerifier creates a new signature verifier
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify reports whether signature is address's signature over message.
// Signatures may be raw bytes or their hex, base58 or base64 text form.
// Anything malformed verifies to false.
func (v *Verifier) Verify(message, signature []byte, address string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if len(signature) == 0 || allZero(signature) {
		return false
	}

	chain, err := DetectChain(address)
	if err != nil {
		return false
	}

	switch chain {
	case ChainSolana:
		sig, err := normalizeSignature(signature, ed25519.SignatureSize)
		if err != nil {
			return false
		}
		return verifyEd25519(message, sig, address)

	case ChainEVM:
		sig, err := normalizeSignature(signature, evmSignatureLength)
		if err != nil {
			return false
		}
		return verifyPersonalSign(message, sig, address)
	}

	return false
}

func verifyEd25519(message, sig []byte, address string) bool {
	pub := base58.Decode(address)
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// verifyPersonalSign recovers the signer of an EIP-191 personal message
func verifyPersonalSign(message, sig []byte, address string) bool {
	recoverable := make([]byte, evmSignatureLength)
	copy(recoverable, sig)

	// Wallets emit V as 27/28; recovery expects 0/1
	if recoverable[64] >= 27 {
		recoverable[64] -= 27
	}
	if recoverable[64] > 1 {
		return false
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), recoverable)
	if err != nil {
		return false
	}

	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}

// normalizeSignature returns raw signature bytes of the wanted length,
// decoding a text encoding when the input is not already raw.
func normalizeSignature(sig []byte, want int) ([]byte, error) {
	if len(sig) == want {
		return sig, nil
	}

	decoded, err := DecodeSignature(string(sig), want)
	if err != nil {
		return nil, err
	}

	if allZero(decoded) {
		return nil, errUndecodable
	}

	return decoded, nil
}

// DecodeSignature decodes a text signature trying hex, base58 and base64 in
// that order and accepting the first decoding of the wanted length.
func DecodeSignature(s string, want int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errUndecodable
	}

	candidates := []func(string) ([]byte, error){
		func(s string) ([]byte, error) {
			return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
		},
		func(s string) ([]byte, error) {
			b := base58.Decode(s)
			if len(b) == 0 {
				return nil, errUndecodable
			}
			return b, nil
		},
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}

	for _, decode := range candidates {
		b, err := decode(s)
		if err == nil && len(b) == want {
			return b, nil
		}
	}

	return nil, errUndecodable
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
