package rgb

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestInvoiceRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var inv Invoice

		copy(inv.Contract[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "contract"))
		inv.Network = rapid.SampledFrom([]string{"mainnet", "testnet", "signet", "regtest"}).Draw(t, "network")

		if rapid.Bool().Draw(t, "hasAmount") {
			inv.Amount = fn.Some(rapid.Uint64Range(1, 1<<63).Draw(t, "amount"))
		}

		if rapid.Bool().Draw(t, "opaque") {
			copy(inv.Beneficiary.Token[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "token"))
		} else {
			addr, err := btcutil.NewAddressWitnessPubKeyHash(
				rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(t, "pkh"), networks[inv.Network])
			require.NoError(t, err)

			inv.Beneficiary.Address = addr.EncodeAddress()
		}

		back, err := ParseInvoice(inv.String())
		require.NoError(t, err)
		require.Equal(t, inv, back)
	})
}

func TestInvoice(t *testing.T) {
	var cid ContractID
	cid[0] = 7

	seal := Seal{Txid: hash(4), Vout: 2, Blinding: 99}
	inv := Invoice{
		Contract:    cid,
		Beneficiary: Beneficiary{Token: seal.Conceal()},
		Amount:      fn.Some[uint64](100),
		Network:     "regtest",
	}

	s := inv.String()
	require.Equal(t, "rgb:"+cid.String()+"/BF+0/100/at:"+seal.Conceal().String()+"?net=regtest", s)

	parsed, err := ParseInvoiceFor(s, "regtest")
	require.NoError(t, err)

	tok, ok := parsed.ExtractSeal()
	require.True(t, ok)
	require.Equal(t, seal.Conceal(), tok)

	_, err = parsed.RecipientAddress()
	require.ErrorIs(t, err, ErrOpaqueBeneficiary)

	_, err = ParseInvoiceFor(s, "testnet")
	require.ErrorIs(t, err, ErrInvoiceNetwork)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), networks["regtest"])
	require.NoError(t, err)

	inv.Beneficiary = Beneficiary{Address: addr.EncodeAddress()}
	inv.Amount = fn.None[uint64]()

	parsed, err = ParseInvoice(inv.String())
	require.NoError(t, err)

	_, ok = parsed.ExtractSeal()
	require.False(t, ok)

	got, err := parsed.RecipientAddress()
	require.NoError(t, err)
	require.Equal(t, addr.EncodeAddress(), got.EncodeAddress())

	for _, bad := range []string{
		"",
		"rgb:" + cid.String() + "/BF+0/100/at:" + tok.String(),
		"rgb:" + cid.String() + "/BF+1/100/at:" + tok.String() + "?net=regtest",
		"rgb:" + cid.String() + "/CF+0/100/at:" + tok.String() + "?net=regtest",
		"rgb:" + cid.String() + "/BF+0/0/at:" + tok.String() + "?net=regtest",
		"rgb:" + cid.String() + "/BF+0/-1/at:" + tok.String() + "?net=regtest",
		"rgb:" + cid.String() + "/BF+0/100/xx:" + tok.String() + "?net=regtest",
		"rgb:" + cid.String() + "/BF+0/100/at:" + tok.String() + "?net=litecoin",
		"rgb:abc/BF+0/100/at:" + tok.String() + "?net=regtest",
		"rgb:" + cid.String() + "/BF+0/100/wv:" + addr.EncodeAddress() + "?net=mainnet",
		"lightning:" + cid.String(),
	} {
		_, err := ParseInvoice(bad)
		require.ErrorIs(t, err, ErrInvoice, bad)
	}
}
