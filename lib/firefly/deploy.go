package firefly

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// SigAlgorithm is the only signature scheme used for deploys.
const SigAlgorithm = "secp256k1"

// DeployData is the signed part of a deploy.
type DeployData struct {
	Term                  string `json:"term"`
	Timestamp             int64  `json:"timestamp"`
	PhloPrice             int64  `json:"phloPrice"`
	PhloLimit             int64  `json:"phloLimit"`
	ValidAfterBlockNumber int64  `json:"validAfterBlockNumber"`
	ShardID               string `json:"shardId"`
}

// canonical returns the protobuf encoding of the data the node hashes to check a deploy signature. Field numbers
// follow the node's DeployDataProto message; zero values are left out as proto3 does.
func (d *DeployData) canonical() []byte {
	var b []byte

	if d.Term != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, d.Term)
	}

	for _, f := range []struct {
		num protowire.Number
		v   int64
	}{
		{3, d.Timestamp},
		{7, d.PhloPrice},
		{8, d.PhloLimit},
		{10, d.ValidAfterBlockNumber},
	} {
		if f.v != 0 {
			b = protowire.AppendTag(b, f.num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(f.v))
		}
	}

	if d.ShardID != "" {
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendString(b, d.ShardID)
	}

	return b
}

// Hash returns the blake2b-256 digest that is signed.
func (d *DeployData) Hash() [32]byte {
	return blake2b.Sum256(d.canonical())
}

// DeployRequest is the body of a deploy.
type DeployRequest struct {
	Data         DeployData `json:"data"`
	Deployer     string     `json:"deployer"`
	Signature    string     `json:"signature"`
	SigAlgorithm string     `json:"sigAlgorithm"`
}

// Sign returns the deploy of d signed with key. The deploy id is the signature.
func Sign(d DeployData, key *btcec.PrivateKey) DeployRequest {
	h := d.Hash()
	sig := ecdsa.Sign(key, h[:])

	return DeployRequest{
		Data:         d,
		Deployer:     hex.EncodeToString(key.PubKey().SerializeUncompressed()),
		Signature:    hex.EncodeToString(sig.Serialize()),
		SigAlgorithm: SigAlgorithm,
	}
}

// Verify checks the signature of a deploy.
func (r *DeployRequest) Verify() bool {
	pubBytes, err := hex.DecodeString(r.Deployer)
	if err != nil {
		return false
	}

	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false
	}

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}

	h := r.Data.Hash()

	return sig.Verify(h[:], pub)
}
