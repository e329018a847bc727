package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInstance = "<urn:uuid:00000000-0000-1000-8000-000000000001>"

func testEndpoint() Endpoint {
	return Endpoint{
		User:       "alice",
		Host:       "10.0.0.1",
		Port:       5060,
		Transport:  "UDP",
		UserAgent:  "IMS-Core/1.0",
		InstanceID: testInstance,
		KeepAlive:  true,
	}
}

func registerResponse(t *testing.T, code int, reason string) (*sip.Request, *sip.Response) {
	t.Helper()
	p := testPath(t)
	req := CreateRegister(p, testEndpoint(), 3600)
	return req, sip.NewResponseFromRequest(req, code, reason, nil)
}

func TestParseNameAddrs(t *testing.T) {
	addrs, err := ParseNameAddrs(`"Alice" <sip:alice@example.com;lr>;expires=60;+sip.instance="<urn:uuid:1>", sip:bob@example.com;q=0.5`)
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	assert.Equal(t, "Alice", addrs[0].DisplayName)
	assert.Equal(t, "alice", addrs[0].URI.User)
	exp, ok := addrs[0].Param("expires")
	assert.True(t, ok)
	assert.Equal(t, "60", exp)
	inst, _ := addrs[0].Param("+sip.instance")
	assert.Equal(t, "<urn:uuid:1>", inst)

	assert.Equal(t, "bob", addrs[1].URI.User)
	q, _ := addrs[1].Param("q")
	assert.Equal(t, "0.5", q)
}

func TestParseNameAddrsTel(t *testing.T) {
	addrs, err := ParseNameAddrs(`<sip:+15551234@example.com;user=phone>, <tel:+15551234>`)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "tel", addrs[1].URI.Scheme)
	assert.Equal(t, "+15551234", addrs[1].URI.User)
}

func TestParseNameAddrsInvalid(t *testing.T) {
	_, err := ParseNameAddrs(`<sip:alice@example.com`)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestExtractGRUU(t *testing.T) {
	_, res := registerResponse(t, 200, "OK")
	res.AppendHeader(sip.NewHeader("Contact",
		`<sip:alice@10.0.0.1:5060>;expires=3600;+sip.instance="`+testInstance+`";pub-gruu="sip:alice@example.com;gr=urn:uuid:00000000-0000-1000-8000-000000000001";temp-gruu="sip:tgruu.7hs@example.com;gr"`))

	g, ok := ExtractGRUU(res, testInstance)
	require.True(t, ok)
	assert.Equal(t, "sip:alice@example.com;gr=urn:uuid:00000000-0000-1000-8000-000000000001", g.Public)
	assert.Equal(t, "sip:tgruu.7hs@example.com;gr", g.Temporary)

	_, ok = ExtractGRUU(res, "<urn:uuid:other>")
	assert.False(t, ok)
}

func TestExtractExpires(t *testing.T) {
	contact := sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060}

	t.Run("contact param", func(t *testing.T) {
		_, res := registerResponse(t, 200, "OK")
		res.AppendHeader(sip.NewHeader("Contact", `<sip:other@10.0.0.9>;expires=100, <sip:alice@10.0.0.1:5060>;expires=1800`))
		res.AppendHeader(sip.NewHeader("Expires", "3600"))
		assert.Equal(t, 1800, ExtractExpires(res, contact, ""))
	})

	t.Run("expires header", func(t *testing.T) {
		_, res := registerResponse(t, 200, "OK")
		res.AppendHeader(sip.NewHeader("Expires", "600"))
		assert.Equal(t, 600, ExtractExpires(res, contact, ""))
	})

	t.Run("absent", func(t *testing.T) {
		_, res := registerResponse(t, 200, "OK")
		assert.Equal(t, -1, ExtractExpires(res, contact, ""))
	})
}

func TestMinExpires(t *testing.T) {
	_, res := registerResponse(t, 423, "Interval Too Brief")
	_, ok := MinExpires(res)
	assert.False(t, ok)

	res.AppendHeader(sip.NewHeader("Min-Expires", "600"))
	v, ok := MinExpires(res)
	assert.True(t, ok)
	assert.Equal(t, 600, v)
}

func TestViaReceivedAndKeep(t *testing.T) {
	_, res := registerResponse(t, 200, "OK")
	via := res.Via()
	require.NotNil(t, via)
	// sipgo заполняет rport и received из адреса запроса, ответ без них
	via.Params.Remove("received")
	via.Params["rport"] = ""

	_, _, ok := ViaReceived(res)
	assert.False(t, ok)
	assert.Equal(t, 30, KeepAlivePeriod(res, 30))

	via.Params["received"] = "203.0.113.7"
	via.Params["rport"] = "41000"
	via.Params["keep"] = "90"

	host, port, ok := ViaReceived(res)
	assert.True(t, ok)
	assert.Equal(t, "203.0.113.7", host)
	assert.Equal(t, 41000, port)
	assert.Equal(t, 90, KeepAlivePeriod(res, 30))

	via.Params["keep"] = "0"
	assert.Equal(t, 30, KeepAlivePeriod(res, 30))
}

func TestAssociatedURIsAndServiceRoute(t *testing.T) {
	_, res := registerResponse(t, 200, "OK")
	res.AppendHeader(sip.NewHeader("P-Associated-URI", `<sip:alice@example.com>, <tel:+15551234>`))
	res.AppendHeader(sip.NewHeader("Service-Route", `<sip:orig@scscf.example.com;lr>`))

	uris, err := AssociatedURIs(res)
	require.NoError(t, err)
	assert.Len(t, uris, 2)

	routes, err := ServiceRoutes(res)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "scscf.example.com", routes[0].Host)

	res.AppendHeader(sip.NewHeader("P-Associated-URI", `<sip:broken`))
	_, err = AssociatedURIs(res)
	assert.Error(t, err)
}
