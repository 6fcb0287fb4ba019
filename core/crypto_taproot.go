package core

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/ripemd160"
)

// TweakedPublicKey returns the BIP-341 taproot-tweaked x-only public key for
// a legacy secp256k1 key with no script path, the canonical on-chain
// identity of an OP_NET account.
func TweakedPublicKey(legacy *btcec.PublicKey) [32]byte {
	tweaked := txscript.ComputeTaprootKeyNoScript(legacy)
	var out [32]byte
	copy(out[:], schnorr.SerializePubKey(tweaked))
	return out
}

// DeriveContractAddress computes the p2tr virtual address for a deployment:
// OP_HASH160 of the x-only deployer public key, per the taproot rules the
// network's contract records key on.
func DeriveContractAddress(deployerPubKeyX [32]byte) Address {
	sha := sha256.Sum256(deployerPubKeyX[:])
	r := ripemd160.New()
	r.Write(sha[:])
	digest := r.Sum(nil)

	var addr Address
	copy(addr[:], digest) // ripemd160 digest is 20 bytes; remaining bytes stay zero
	return addr
}
