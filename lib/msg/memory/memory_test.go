package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/msg/types"
)

func TestBroker(t *testing.T) {
	b := New(4)
	require.NoError(t, b.Setup(nil))

	e, err := types.New(types.TransferBroadcast, "", "abcd", types.Transfer{Contract: "cid", Txid: "abcd", Amount: 5})
	require.NoError(t, err)
	require.NoError(t, b.Publish("regtest", e))
	require.NoError(t, b.Publish("signet", e))

	mut := new(sync.Mutex)
	eves, _, err := b.GetEvents("regtest", mut)
	require.NoError(t, err)

	got := <-eves
	require.Equal(t, "regtest.transfer.broadcast.abcd", got.RoutingKey())
	require.JSONEq(t, `{"contract":"cid","txid":"abcd","amount":5,"invoice":""}`, string(got.Payload))
	mut.Unlock()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish("regtest", e))
	}

	// the consumer holds one event, the queue is full again after the fifth
	<-eves
	require.NoError(t, b.Publish("regtest", e))
	require.Error(t, b.Publish("regtest", e))
	mut.Unlock()

	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish("regtest", e), ErrClosed)

	for range eves {
		mut.Unlock()
	}
}
