package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTransport(t *testing.T, inbound chan Inbound) *Transport {
	t.Helper()
	tr, err := Open("127.0.0.1:0", inbound)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestPingRoundTripBetweenTwoTransports(t *testing.T) {
	inboundA := make(chan Inbound, 4)
	inboundB := make(chan Inbound, 4)
	a := openTransport(t, inboundA)
	b := openTransport(t, inboundB)

	go func() {
		in := <-inboundB
		assert.Equal(t, KindPing, in.Req.Kind)
		_ = b.Reply(in, PingResponse())
	}()

	resp, ok := a.MakeRequest(PingRequest(), b.LocalAddr().String(), time.Second)
	require.True(t, ok)
	assert.Equal(t, RespPing, resp.Kind)
}

func TestMakeRequestTimesOutWhenUnanswered(t *testing.T) {
	inboundA := make(chan Inbound, 4)
	a := openTransport(t, inboundA)

	// Nothing is listening on this address; the request should time out.
	_, ok := a.MakeRequest(PingRequest(), "127.0.0.1:1", 100*time.Millisecond)
	assert.False(t, ok)
}

func TestUnknownTokenResponseIsDropped(t *testing.T) {
	inboundA := make(chan Inbound, 4)
	inboundB := make(chan Inbound, 4)
	a := openTransport(t, inboundA)
	b := openTransport(t, inboundB)

	// b sends an unsolicited response to a with a token a never issued.
	stray := Message{Token: [32]byte{1, 2, 3}, Src: b.LocalAddr().String(), Dst: a.LocalAddr().String(), Kind: KindResponse, Response: PingResponse()}
	require.NoError(t, b.SendMsg(stray))

	// a's real request, issued afterwards, must not be confused with the
	// stray response above (different token), and must simply time out
	// since nobody answers it.
	_, ok := a.MakeRequest(PingRequest(), b.LocalAddr().String(), 150*time.Millisecond)
	assert.False(t, ok)
}

func TestSecondResponseForResolvedTokenIsDropped(t *testing.T) {
	inboundA := make(chan Inbound, 4)
	inboundB := make(chan Inbound, 4)
	a := openTransport(t, inboundA)
	b := openTransport(t, inboundB)

	go func() {
		in := <-inboundB
		_ = b.Reply(in, PingResponse())
		// Re-send a second response with the same token after resolution;
		// it must be dropped rather than delivered anywhere.
		_ = b.SendMsg(Message{Token: in.Token, Src: b.LocalAddr().String(), Dst: a.LocalAddr().String(), Kind: KindResponse, Response: PingResponse()})
	}()

	resp, ok := a.MakeRequest(PingRequest(), b.LocalAddr().String(), time.Second)
	require.True(t, ok)
	assert.Equal(t, RespPing, resp.Kind)

	// Give the stray duplicate time to arrive and be silently dropped;
	// there is nothing further to assert beyond "this doesn't panic or
	// deadlock."
	time.Sleep(100 * time.Millisecond)
}

func TestOversizedRequestDoesNotHang(t *testing.T) {
	inboundA := make(chan Inbound, 4)
	a := openTransport(t, inboundA)

	big := make([]byte, MaxDatagram)
	_, ok := a.MakeRequest(StoreRequest("k", string(big)), "127.0.0.1:1", 100*time.Millisecond)
	assert.False(t, ok)
}
