package gwbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
)

type publishedMsg struct {
	Subject string
	Data    []byte
}

// fakeBus captures uplink publishes and lets the test inject downlinks
// through the handler the bridge registers for gateway.*.tx.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
	handler   func(subject string, data []byte)
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeBus) Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() error { return nil }, nil
}

func (f *fakeBus) waitPublished(t *testing.T) publishedMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.published) > 0 {
			msg := f.published[0]
			f.mu.Unlock()
			return msg
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no uplink was published to the bus")
	return publishedMsg{}
}

func (f *fakeBus) downlink(t *testing.T, subject string, data []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		h := f.handler
		f.mu.Unlock()
		if h != nil {
			h(subject, data)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("the bridge never subscribed to the downlink subject")
}

func startBridge(t *testing.T) (*Bridge, *fakeBus, *net.UDPConn) {
	t.Helper()
	assert := require.New(t)

	fake := &fakeBus{}
	bridge, err := New("127.0.0.1:0", fake)
	assert.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bridge.Run(ctx)

	gwSock, err := net.DialUDP("udp", nil, bridge.conn.LocalAddr().(*net.UDPAddr))
	assert.NoError(err)
	t.Cleanup(func() { gwSock.Close() })

	return bridge, fake, gwSock
}

func readFrame(t *testing.T, sock *net.UDPConn) []byte {
	t.Helper()
	assert := require.New(t)
	assert.NoError(sock.SetReadDeadline(time.Now().Add(2 * time.Second)))
	buf := make([]byte, 65507)
	n, err := sock.Read(buf)
	assert.NoError(err)
	return buf[:n]
}

var testGatewayID = []byte{0xaa, 0x55, 0x5a, 0x0b, 0x17, 0x2c, 0xd9, 0x01}

func TestBridge_PushDataAckedAndPublished(t *testing.T) {
	assert := require.New(t)
	_, fake, gwSock := startBridge(t)

	phy := []byte{0x40, 0x01, 0x02, 0x03, 0x04, 0x00, 0x07, 0x00, 0xde, 0xad, 0xbe, 0xef}
	rxpk := gwenvelope.RXPK{
		Tmst: 123456,
		Freq: 868.3,
		Modu: "LORA",
		Datr: "SF7BW125",
		Codr: "4/5",
		Size: len(phy),
		Data: base64.StdEncoding.EncodeToString(phy),
	}
	body, err := json.Marshal(struct {
		RXPK []gwenvelope.RXPK `json:"rxpk"`
	}{RXPK: []gwenvelope.RXPK{rxpk}})
	assert.NoError(err)

	frame := append([]byte{ProtocolVersion, 0x12, 0x34, 0x00}, testGatewayID...)
	frame = append(frame, body...)
	_, err = gwSock.Write(frame)
	assert.NoError(err)

	ack := readFrame(t, gwSock)
	assert.Equal([]byte{ProtocolVersion, 0x12, 0x34, 0x01}, ack)

	msg := fake.waitPublished(t)
	assert.Equal("gateway.aa555a0b172cd901.rx", msg.Subject)

	var env gwenvelope.UplinkEnvelope
	assert.NoError(json.Unmarshal(msg.Data, &env))
	assert.Equal("aa555a0b172cd901", env.GatewayID)
	assert.Equal(uint32(123456), env.RXPK.Tmst)
	decoded, err := env.RXPK.Payload()
	assert.NoError(err)
	assert.Equal(phy, decoded)
}

func TestBridge_PullDataThenDownlinkPullResp(t *testing.T) {
	assert := require.New(t)
	_, fake, gwSock := startBridge(t)

	pull := append([]byte{ProtocolVersion, 0x56, 0x78, 0x02}, testGatewayID...)
	_, err := gwSock.Write(pull)
	assert.NoError(err)

	ack := readFrame(t, gwSock)
	assert.Equal([]byte{ProtocolVersion, 0x56, 0x78, 0x04}, ack)

	downBody, err := gwenvelope.CreateDownlinkReply(gwenvelope.RXPK{
		Tmst: 5000,
		Freq: 868.1,
		Modu: "LORA",
		Datr: "SF7BW125",
		Codr: "4/5",
	}, []byte{0x60, 0x01}, 1_000_000, nil, "SF12BW125", 869.525)
	assert.NoError(err)
	fake.downlink(t, "gateway.aa555a0b172cd901.tx", downBody)

	resp := readFrame(t, gwSock)
	assert.Equal([]byte{ProtocolVersion, 0x56, 0x78, 0x03}, resp[:4])

	var pullResp gwenvelope.PullRespFrame
	assert.NoError(json.Unmarshal(resp[4:], &pullResp))
	assert.Equal(uint32(1_005_000), pullResp.TXPK.Tmst)
	assert.Equal("SF12BW125", pullResp.TXPK.Datr)
}

func TestBridge_DownlinkWithoutPullAddrIsDropped(t *testing.T) {
	_, fake, gwSock := startBridge(t)

	// No PULL_DATA has arrived for this gateway, so the downlink has
	// nowhere to go and must be discarded without a UDP write.
	fake.downlink(t, "gateway.0000000000000000.tx", []byte(`{"txpk":{}}`))

	gwSock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := gwSock.Read(buf); err == nil {
		t.Fatalf("expected no UDP frame, got % x", buf[:n])
	}
}

func TestBridge_RejectsUnknownProtocolVersion(t *testing.T) {
	_, fake, gwSock := startBridge(t)

	frame := append([]byte{0x01, 0x12, 0x34, 0x00}, testGatewayID...)
	gwSock.Write(frame)

	gwSock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := gwSock.Read(buf); err == nil {
		t.Fatalf("expected no ack for an unsupported protocol version, got % x", buf[:n])
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.published) != 0 {
		t.Fatalf("expected no uplink publish, got %d", len(fake.published))
	}
}

func TestGatewayIDFromSubject(t *testing.T) {
	assert := require.New(t)
	assert.Equal("aa555a0b172cd901", gatewayIDFromSubject("gateway.aa555a0b172cd901.tx"))
	assert.Equal("", gatewayIDFromSubject("malformed"))
	assert.Equal("", gatewayIDFromSubject("gateway.a.b.tx"))
}
