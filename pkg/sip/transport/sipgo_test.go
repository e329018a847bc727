package transport

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ims_core/pkg/sip/dialog"
)

func newLoopbackTransport(t *testing.T) *SipgoTransport {
	t.Helper()
	tr, err := NewSipgoTransport(WithLogger(zerolog.Nop()), WithDSCP(0), WithResponseWait(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, tr.Init(LocalAddr{IP: "127.0.0.1", Network: "udp"}))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSipgoTransportNotReady(t *testing.T) {
	tr, err := NewSipgoTransport(WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.False(t, tr.IsReady())

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: "127.0.0.1"})
	_, err = tr.SendRequestAndWait(context.Background(), req, time.Second, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.ErrorIs(t, tr.StartKeepAlive("127.0.0.1:5060", time.Second), ErrKeepAliveUnsupported)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Init(LocalAddr{IP: "127.0.0.1"}), ErrTransportClosed)
}

func TestSipgoTransportInvalidOptions(t *testing.T) {
	_, err := NewSipgoTransport(WithDSCP(64))
	assert.Error(t, err)
	_, err = NewSipgoTransport(WithUserAgent(""))
	assert.Error(t, err)
}

// TestSipgoTransportLoopback проверяет запрос и ответ между двумя стеками на loopback
func TestSipgoTransportLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}

	uas := newLoopbackTransport(t)
	uac := newLoopbackTransport(t)
	require.True(t, uas.IsReady())
	require.NotZero(t, uas.LocalAddr().Port)

	received := make(chan string, 1)
	uas.OnRequest(func(req *sip.Request) {
		received <- string(req.Body())
		go func() {
			_ = uas.SendResponse(sip.NewResponseFromRequest(req, 200, "OK", nil))
		}()
	})

	target := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: uas.LocalAddr().Port}
	local := sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"}
	p := dialog.NewPath(uac.GenerateCallID(), 1, target, local, target, nil)
	ep := dialog.Endpoint{User: "alice", Host: "127.0.0.1", Port: uac.LocalAddr().Port, Transport: "UDP"}
	req := dialog.CreateMessage(p, ep, "text/plain", []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := uac.SendRequestAndWait(ctx, req, 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello", <-received)
}

func TestSendResponseWithoutTransaction(t *testing.T) {
	tr, err := NewSipgoTransport(WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	req := sip.NewRequest(sip.MESSAGE, sip.Uri{Scheme: "sip", Host: "127.0.0.1"})
	req.AppendHeader(&sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Params: sip.HeaderParams{"branch": "z9hG4bKabc"}})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1"}, Params: sip.HeaderParams{"tag": "b1"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"}, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader("no-tx-call")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.MESSAGE})
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	assert.ErrorIs(t, tr.SendResponse(res), ErrNoTransaction)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(ErrTimeout))
	assert.True(t, isTimeout(&TransportError{Transport: "udp", Operation: "x", Err: ErrTimeout}))
	assert.False(t, isTimeout(nil))
	assert.False(t, isTimeout(ErrNotReady))
}
