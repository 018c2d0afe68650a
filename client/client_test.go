package client

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/server"
	"github.com/marcestarlet/embroker/types"
)

// fakeBroker accepts one connection and lets test script broker side
type fakeBroker struct {
	t  *testing.T
	ln net.Listener
	cn net.Conn
	r  *bufio.Reader
}

func newFakeBroker(t *testing.T) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() }) // nolint: errcheck

	return &fakeBroker{t: t, ln: ln}
}

func (b *fakeBroker) accept(ack *packet.ConnAck) *packet.Connect {
	cn, err := b.ln.Accept()
	require.NoError(b.t, err)
	b.t.Cleanup(func() { cn.Close() }) // nolint: errcheck

	b.cn = cn
	b.r = bufio.NewReader(cn)

	f := b.read()
	require.NoError(b.t, packet.WriteFrame(cn, ack))

	return f.(*packet.Connect)
}

func (b *fakeBroker) read() packet.Frame {
	require.NoError(b.t, b.cn.SetReadDeadline(time.Now().Add(2*time.Second)))

	f, err := packet.ReadFrame(b.r, 0)
	require.NoError(b.t, err)

	return f
}

func (b *fakeBroker) write(f packet.Frame) {
	require.NoError(b.t, packet.WriteFrame(b.cn, f))
}

func connect(t *testing.T, b *fakeBroker, config Config) *Client {
	config.Addr = b.ln.Addr().String()

	type result struct {
		c   *Client
		err error
	}

	res := make(chan result, 1)
	go func() {
		c, err := Dial(context.Background(), config)
		res <- result{c, err}
	}()

	b.accept(&packet.ConnAck{Code: packet.CodeAccepted, SessionPresent: !config.CleanSession})

	r := <-res
	require.NoError(t, r.err)
	t.Cleanup(func() { r.c.Close() }) // nolint: errcheck

	return r.c
}

func TestConnect(t *testing.T) {
	b := newFakeBroker(t)

	res := make(chan *Client, 1)
	go func() {
		c, err := Dial(context.Background(), Config{Addr: b.ln.Addr().String(), ClientID: "c1", KeepAlive: 30 * time.Second})
		require.NoError(t, err)
		res <- c
	}()

	req := b.accept(&packet.ConnAck{Code: packet.CodeAccepted, SessionPresent: true})
	require.Equal(t, &packet.Connect{ClientID: "c1", KeepAlive: 30}, req)

	c := <-res
	require.True(t, c.SessionPresent())
	require.NoError(t, c.Close())

	require.Equal(t, packet.DISCONNECT, b.read().Type())

	_, ok := <-c.Messages()
	require.False(t, ok)
	require.Equal(t, ErrClosed, c.Err())
}

func TestConnectRefused(t *testing.T) {
	b := newFakeBroker(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := Dial(context.Background(), Config{Addr: b.ln.Addr().String(), ClientID: "", CleanSession: false})
		errCh <- err
	}()

	b.accept(&packet.ConnAck{Code: packet.CodeRefusedIdentifier})

	require.Equal(t, ErrRefused, errors.Cause(<-errCh))
}

func TestPublishQoS2(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b, Config{ClientID: "p", CleanSession: true})

	done := make(chan error, 1)
	go func() {
		done <- c.Publish(context.Background(), "a/b", []byte("x"), types.QoS2, true)
	}()

	p := b.read().(*packet.Publish)
	require.Equal(t, types.QoS2, p.QoS)
	require.True(t, p.Retain)
	require.NotZero(t, p.ID)

	b.write(packet.NewAck(packet.PUBREC, p.ID))
	require.Equal(t, packet.NewAck(packet.PUBREL, p.ID), b.read())

	b.write(packet.NewAck(packet.PUBCOMP, p.ID))
	require.NoError(t, <-done)
}

func TestPublishTimeout(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b, Config{ClientID: "p", CleanSession: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.Equal(t, context.DeadlineExceeded, c.Publish(ctx, "a", nil, types.QoS1, false))
	require.Equal(t, packet.PUBLISH, b.read().Type())
}

func TestInboundQoS2Once(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b, Config{ClientID: "s", CleanSession: false})

	pub := &packet.Publish{ID: 5, Topic: "t", Payload: []byte("once"), QoS: types.QoS2}
	b.write(pub)
	require.Equal(t, packet.NewAck(packet.PUBREC, 5), b.read())

	// retransmission before PUBREL
	dup := *pub
	dup.Dup = true
	b.write(&dup)
	require.Equal(t, packet.NewAck(packet.PUBREC, 5), b.read())

	b.write(packet.NewAck(packet.PUBREL, 5))
	require.Equal(t, packet.NewAck(packet.PUBCOMP, 5), b.read())

	m := <-c.Messages()
	require.Equal(t, uint64(5), m.Seq)
	require.Equal(t, []byte("once"), m.Payload)

	select {
	case m = <-c.Messages():
		t.Fatalf("duplicate delivered: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboundQoS1Acked(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b, Config{ClientID: "s", CleanSession: true})

	b.write(&packet.Publish{ID: 9, Topic: "t", QoS: types.QoS1})
	require.Equal(t, packet.NewAck(packet.PUBACK, 9), b.read())
	require.Equal(t, "t", (<-c.Messages()).Topic)
}

func TestSubscribeRejected(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b, Config{ClientID: "s", CleanSession: true})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(context.Background(), "a/#/b", types.QoS1)
		errCh <- err
	}()

	sub := b.read().(*packet.Subscribe)
	b.write(&packet.SubAck{ID: sub.ID, Granted: []types.QosType{types.QosFailure}})

	require.Equal(t, ErrRejected, errors.Cause(<-errCh))
}

func TestBrokerGone(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b, Config{ClientID: "s", CleanSession: true})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Publish(context.Background(), "a", nil, types.QoS1, false)
	}()

	require.Equal(t, packet.PUBLISH, b.read().Type())
	require.NoError(t, b.cn.Close())

	require.Equal(t, ErrClosed, <-errCh)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not closed")
	}
	require.Error(t, c.Err())
}

func TestAgainstBroker(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Persistence.Enabled = false
	cfg.Listeners.Transports = map[string]*configuration.TransportConfig{
		configuration.TransportTCP: {Host: "127.0.0.1"},
	}

	s, err := server.New(server.Config{Broker: cfg})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop() // nolint: errcheck

	addr := s.Addrs()[configuration.TransportTCP].String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Dial(ctx, Config{Addr: addr, ClientID: "durable-sub"})
	require.NoError(t, err)
	require.False(t, sub.SessionPresent())

	granted, err := sub.Subscribe(ctx, "orders/#", types.QoS2)
	require.NoError(t, err)
	require.Equal(t, types.QoS2, granted)
	require.NoError(t, sub.Close())

	pub, err := Dial(ctx, Config{Addr: addr, ClientID: "pub", CleanSession: true, KeepAlive: time.Second})
	require.NoError(t, err)
	defer pub.Close() // nolint: errcheck

	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Publish(ctx, "orders/new", []byte(body), types.QoS2, false))
	}

	sub, err = Dial(ctx, Config{Addr: addr, ClientID: "durable-sub"})
	require.NoError(t, err)
	defer sub.Close() // nolint: errcheck
	require.True(t, sub.SessionPresent())

	var got []string
	for len(got) < 3 {
		select {
		case m := <-sub.Messages():
			require.Equal(t, types.QoS2, m.QoS)
			got = append(got, string(m.Payload))
		case <-ctx.Done():
			t.Fatalf("received only %v", got)
		}
	}

	require.Equal(t, []string{"1", "2", "3"}, got)
	require.NoError(t, pub.Ping(ctx))
}
