package transport

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/types"
)

// capture hands server side of every accepted connection to the test
type capture struct {
	conns   chan Conn
	release chan struct{}
}

func newCapture(t *testing.T) *capture {
	h := &capture{
		conns:   make(chan Conn, 4),
		release: make(chan struct{}),
	}
	t.Cleanup(func() { close(h.release) })

	return h
}

func (h *capture) OnConnection(c Conn) error {
	h.conns <- c
	<-h.release
	return c.Close()
}

func (h *capture) accepted(t *testing.T) Conn {
	t.Helper()

	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
	}

	return nil
}

type byteCounter struct {
	sent int64
	recv int64
}

func (b *byteCounter) OnSent(n int) { atomic.AddInt64(&b.sent, int64(n)) }
func (b *byteCounter) OnRecv(n int) { atomic.AddInt64(&b.recv, int64(n)) }

type stats struct {
	metrics.Informer
	bytes byteCounter
}

func (s *stats) Bytes(string) metrics.Bytes { return &s.bytes }

func startListener(t *testing.T, protocol string, h Handler, mutate func(*Config, *InternalConfig)) Provider {
	t.Helper()

	config := &Config{Protocol: protocol, Host: "127.0.0.1", Path: "/mqtt"}
	internal := &InternalConfig{Handler: h}
	if mutate != nil {
		mutate(config, internal)
	}

	var l Provider
	var err error
	if protocol == configuration.TransportWS {
		l, err = NewWS(config, internal)
	} else {
		l, err = NewTCP(config, internal)
	}
	require.NoError(t, err)

	go l.Serve() // nolint: errcheck
	t.Cleanup(func() { l.Close() }) // nolint: errcheck

	return l
}

func mqttWrite(t *testing.T, cn net.Conn, cp packets.ControlPacket) {
	t.Helper()
	require.NoError(t, cp.Write(cn))
}

func mqttRead(t *testing.T, cn net.Conn) packets.ControlPacket {
	t.Helper()

	require.NoError(t, cn.SetReadDeadline(time.Now().Add(2*time.Second)))
	cp, err := packets.ReadPacket(cn)
	require.NoError(t, err)

	return cp
}

func mqttConnect(id string, clean bool) *packets.ConnectPacket {
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = 4
	p.ClientIdentifier = id
	p.CleanSession = clean
	p.Keepalive = 30

	return p
}

func TestTCPFrames(t *testing.T) {
	h := newCapture(t)
	st := &stats{}
	l := startListener(t, configuration.TransportTCP, h, func(_ *Config, in *InternalConfig) {
		in.Metrics = st
	})

	require.Equal(t, configuration.TransportTCP, l.Protocol())
	require.NoError(t, l.Alive())
	h.accepted(t).Close() // nolint: errcheck

	cn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer cn.Close() // nolint: errcheck

	require.NoError(t, packet.WriteFrame(cn, &packet.Connect{ClientID: "c1", CleanSession: true, KeepAlive: 10}))

	srv := h.accepted(t)
	require.Equal(t, configuration.TransportTCP, srv.Protocol())

	f, err := srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, &packet.Connect{ClientID: "c1", CleanSession: true, KeepAlive: 10}, f)

	require.NoError(t, srv.WriteFrame(&packet.ConnAck{Code: packet.CodeAccepted, SessionPresent: true}))

	f, err = packet.ReadFrame(cn, 0)
	require.NoError(t, err)
	require.Equal(t, &packet.ConnAck{Code: packet.CodeAccepted, SessionPresent: true}, f)

	pub := &packet.Publish{ID: 1 << 40, Topic: "a/b", Payload: []byte("x"), QoS: types.QoS2}
	require.NoError(t, srv.WriteFrame(pub))
	f, err = packet.ReadFrame(cn, 0)
	require.NoError(t, err)
	require.Equal(t, pub, f)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&st.bytes.recv) > 0 && atomic.LoadInt64(&st.bytes.sent) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestTCPMalformedClosesConnectionOnly(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportTCP, h, nil)

	bad, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer bad.Close() // nolint: errcheck

	_, err = bad.Write([]byte{0xF0, 0x00})
	require.NoError(t, err)

	_, err = h.accepted(t).ReadFrame()
	require.Equal(t, packet.ErrUnknownType, errors.Cause(err))

	good, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer good.Close() // nolint: errcheck

	require.NoError(t, packet.WriteFrame(good, &packet.PingReq{}))
	f, err := h.accepted(t).ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.PINGREQ, f.Type())
}

func TestBindError(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportTCP, h, nil)

	port := l.Addr().(*net.TCPAddr).Port

	_, err := NewTCP(&Config{Protocol: configuration.TransportMQTT, Host: "127.0.0.1", Port: port}, &InternalConfig{Handler: h})
	require.Error(t, err)

	var bindErr *types.BindError
	require.True(t, errors.As(err, &bindErr))
	require.Equal(t, configuration.TransportMQTT, bindErr.Transport)
	require.Equal(t, "127.0.0.1:"+strconv.Itoa(port), bindErr.Addr)
}

func TestConfigErrors(t *testing.T) {
	_, err := NewTCP(&Config{Protocol: configuration.TransportTCP}, &InternalConfig{})
	require.True(t, errors.Is(err, types.ErrConfig))

	_, err = NewTCP(&Config{Protocol: configuration.TransportWS}, &InternalConfig{Handler: newCapture(t)})
	require.True(t, errors.Is(err, types.ErrConfig))

	_, err = NewTCP(&Config{Protocol: configuration.TransportTCP, Port: 70000}, &InternalConfig{Handler: newCapture(t)})
	require.True(t, errors.Is(err, types.ErrConfig))
}

func TestCloseKeepsConnections(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportTCP, h, nil)
	addr := l.Addr().String()

	cn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer cn.Close() // nolint: errcheck

	srv := h.accepted(t)
	require.NoError(t, l.Close())
	require.Equal(t, types.ErrNotRunning, l.Alive())

	require.NoError(t, packet.WriteFrame(cn, &packet.PingReq{}))
	f, err := srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.PINGREQ, f.Type())

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}

func TestMQTTTranslation(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportMQTT, h, nil)

	cn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer cn.Close() // nolint: errcheck

	mqttWrite(t, cn, mqttConnect("JavaSampleSubscriber", true))

	srv := h.accepted(t)
	require.Equal(t, configuration.TransportMQTT, srv.Protocol())

	f, err := srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, &packet.Connect{ClientID: "JavaSampleSubscriber", CleanSession: true, KeepAlive: 30}, f)

	require.NoError(t, srv.WriteFrame(&packet.ConnAck{Code: packet.CodeAccepted}))
	connack := mqttRead(t, cn).(*packets.ConnackPacket)
	require.Equal(t, byte(packets.Accepted), connack.ReturnCode)

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 11
	sub.Topics = []string{"test", "a/#/b"}
	sub.Qoss = []byte{1, 0}
	mqttWrite(t, cn, sub)

	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, &packet.Subscribe{ID: 11, Subscriptions: []packet.Subscription{
		{Filter: "test", QoS: types.QoS1},
		{Filter: "a/#/b", QoS: types.QoS0},
	}}, f)

	require.NoError(t, srv.WriteFrame(&packet.SubAck{ID: 11, Granted: []types.QosType{types.QoS1, types.QosFailure}}))
	suback := mqttRead(t, cn).(*packets.SubackPacket)
	require.Equal(t, uint16(11), suback.MessageID)
	require.Equal(t, []byte{1, 0x80}, suback.ReturnCodes)

	// outbound QoS 1: sequence id mapped to packet id and back
	require.NoError(t, srv.WriteFrame(&packet.Publish{ID: 1 << 40, Topic: "test", Payload: []byte("Sample Message, Hello World!"), QoS: types.QoS1}))
	pub := mqttRead(t, cn).(*packets.PublishPacket)
	require.Equal(t, "test", pub.TopicName)
	require.Equal(t, byte(1), pub.Qos)
	require.NotZero(t, pub.MessageID)

	ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	ack.MessageID = pub.MessageID
	mqttWrite(t, cn, ack)

	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.NewAck(packet.PUBACK, 1<<40), f)

	// outbound QoS 2
	require.NoError(t, srv.WriteFrame(&packet.Publish{ID: 77, Topic: "test", QoS: types.QoS2}))
	pub = mqttRead(t, cn).(*packets.PublishPacket)

	rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	rec.MessageID = pub.MessageID
	mqttWrite(t, cn, rec)

	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.NewAck(packet.PUBREC, 77), f)

	require.NoError(t, srv.WriteFrame(packet.NewAck(packet.PUBREL, 77)))
	rel := mqttRead(t, cn).(*packets.PubrelPacket)
	require.Equal(t, pub.MessageID, rel.MessageID)

	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = pub.MessageID
	mqttWrite(t, cn, comp)

	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.NewAck(packet.PUBCOMP, 77), f)

	// inbound QoS 1 keeps publisher packet id
	in := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	in.TopicName = "test"
	in.Qos = 1
	in.MessageID = 9
	in.Payload = []byte("hello")
	mqttWrite(t, cn, in)

	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, &packet.Publish{ID: 9, Topic: "test", Payload: []byte("hello"), QoS: types.QoS1}, f)

	require.NoError(t, srv.WriteFrame(packet.NewAck(packet.PUBACK, 9)))
	require.Equal(t, uint16(9), mqttRead(t, cn).(*packets.PubackPacket).MessageID)

	mqttWrite(t, cn, packets.NewControlPacket(packets.Pingreq))
	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.PINGREQ, f.Type())

	mqttWrite(t, cn, packets.NewControlPacket(packets.Disconnect))
	f, err = srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, packet.DISCONNECT, f.Type())
}

func TestMQTTUnsupportedVersion(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportMQTT, h, nil)

	cn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer cn.Close() // nolint: errcheck

	p := mqttConnect("v5", true)
	p.ProtocolVersion = 5
	mqttWrite(t, cn, p)

	_, err = h.accepted(t).ReadFrame()
	require.Equal(t, ErrConnectRefused, errors.Cause(err))

	connack := mqttRead(t, cn).(*packets.ConnackPacket)
	require.Equal(t, byte(packets.ErrRefusedBadProtocolVersion), connack.ReturnCode)
}

func TestMQTTMaxPacketSize(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportMQTT, h, func(_ *Config, in *InternalConfig) {
		in.MaxPacketSize = 64
	})

	cn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer cn.Close() // nolint: errcheck

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = "big"
	pub.Payload = bytes.Repeat([]byte{'x'}, 128)
	mqttWrite(t, cn, pub)

	_, err = h.accepted(t).ReadFrame()
	require.Equal(t, packet.ErrTooLarge, err)
}

func TestWebSocket(t *testing.T) {
	h := newCapture(t)
	st := &stats{}
	l := startListener(t, configuration.TransportWS, h, func(_ *Config, in *InternalConfig) {
		in.Metrics = st
	})

	url := "ws://" + l.Addr().String() + "/mqtt"
	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: 2 * time.Second}

	cn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer cn.Close() // nolint: errcheck
	require.Equal(t, "mqtt", resp.Header.Get("Sec-WebSocket-Protocol"))

	var buf bytes.Buffer
	require.NoError(t, mqttConnect("ws-client", true).Write(&buf))
	require.NoError(t, cn.WriteMessage(websocket.BinaryMessage, buf.Bytes()))

	srv := h.accepted(t)
	require.Equal(t, configuration.TransportWS, srv.Protocol())

	f, err := srv.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "ws-client", f.(*packet.Connect).ClientID)

	require.NoError(t, srv.WriteFrame(&packet.ConnAck{Code: packet.CodeAccepted}))
	require.NoError(t, srv.WriteFrame(&packet.Publish{Topic: "test", Payload: []byte("over ws")}))

	require.NoError(t, cn.SetReadDeadline(time.Now().Add(2*time.Second)))

	kind, data, err := cn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	cp, err := packets.ReadPacket(bytes.NewReader(data))
	require.NoError(t, err)
	require.IsType(t, &packets.ConnackPacket{}, cp)

	_, data, err = cn.ReadMessage()
	require.NoError(t, err)
	cp, err = packets.ReadPacket(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, []byte("over ws"), cp.(*packets.PublishPacket).Payload)

	require.Positive(t, atomic.LoadInt64(&st.bytes.recv))
	require.Positive(t, atomic.LoadInt64(&st.bytes.sent))
}

func TestWebSocketRequiresSubprotocol(t *testing.T) {
	h := newCapture(t)
	l := startListener(t, configuration.TransportWS, h, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+l.Addr().String()+"/mqtt", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcceptRateLimiter(t *testing.T) {
	base, err := newBaseConfig(&Config{Protocol: configuration.TransportTCP, AcceptRate: 0.5}, &InternalConfig{Handler: newCapture(t)})
	require.NoError(t, err)
	require.NotNil(t, base.limiter)
	require.Equal(t, 1, base.limiter.Burst())

	base, err = newBaseConfig(&Config{Protocol: configuration.TransportTCP}, &InternalConfig{Handler: newCapture(t)})
	require.NoError(t, err)
	require.Nil(t, base.limiter)
}

func TestPoolRejects(t *testing.T) {
	h := newCapture(t)
	pool := types.NewPool(1, 0)
	defer pool.Close() // nolint: errcheck

	l := startListener(t, configuration.TransportTCP, h, func(_ *Config, in *InternalConfig) {
		in.Pool = pool
	})

	first, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer first.Close() // nolint: errcheck
	h.accepted(t)

	// only worker is busy: second connection is closed after schedule timeout
	second, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer second.Close() // nolint: errcheck

	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "connection should be closed by broker")
	}
}

func TestPacketIDs(t *testing.T) {
	ids := newPacketIDs()

	a, err := ids.acquire(100)
	require.NoError(t, err)
	again, err := ids.acquire(100)
	require.NoError(t, err)
	require.Equal(t, a, again)

	b, err := ids.acquire(200)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.Equal(t, uint64(200), ids.seq(b))
	require.Equal(t, uint64(100), ids.release(a))
	require.Equal(t, uint64(0), ids.release(a))

	// zero is never handed out
	ids.next = 65535
	c, err := ids.acquire(300)
	require.NoError(t, err)
	require.NotZero(t, c)
}

func TestPacketIDsExhausted(t *testing.T) {
	ids := newPacketIDs()
	for seq := uint64(1); seq <= 65535; seq++ {
		_, err := ids.acquire(seq)
		require.NoError(t, err)
	}

	_, err := ids.acquire(65536)
	require.Equal(t, errNoPacketIDs, err)

	ids.release(10)
	id, err := ids.acquire(65536)
	require.NoError(t, err)
	require.Equal(t, uint16(10), id)
}
