// Package client implements client side of broker generic tcp protocol.
//
// Inbound QoS 2 deliveries are handed to application once per packet id
// even when broker retransmits them before PUBREL.
package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/types"
)

var (
	// ErrClosed connection to broker is gone
	ErrClosed = errors.New("client: connection closed")

	// ErrRefused broker answered CONNECT with non accepted code
	ErrRefused = errors.New("client: connection refused")

	// ErrRejected broker rejected subscription
	ErrRejected = errors.New("client: subscription rejected")
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultBuffer      = 256
)

// Config client configuration
type Config struct {
	// Addr host:port of broker tcp listener
	Addr     string
	ClientID string

	CleanSession bool

	// KeepAlive requested from broker, PINGREQ is sent every half of it. 0 disables
	KeepAlive time.Duration

	DialTimeout time.Duration

	// Buffer of Messages channel
	Buffer int
}

// Message delivered by broker
type Message struct {
	Seq     uint64
	Topic   string
	Payload []byte
	QoS     types.QosType
	Retain  bool
	Dup     bool
}

type waitKey struct {
	kind packet.Type
	id   uint64
}

// Client connection to broker
type Client struct {
	config  Config
	conn    net.Conn
	log     *zap.SugaredLogger
	present bool

	wLock sync.Mutex

	lock    sync.Mutex
	waiters map[waitKey]chan packet.Frame
	// received QoS 2 ids waiting for PUBREL
	received map[uint64]struct{}

	ids uint64

	messages chan *Message
	done     chan struct{}
	once     sync.Once
	err      error
	wg       sync.WaitGroup
}

// Dial connects to broker and waits for CONNACK
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}

	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}

	d := net.Dialer{Timeout: config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", config.Addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:   config,
		conn:     conn,
		log:      configuration.GetLogger().Named("client").With("ClientID", config.ClientID),
		waiters:  make(map[waitKey]chan packet.Frame),
		received: make(map[uint64]struct{}),
		messages: make(chan *Message, config.Buffer),
		done:     make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) // nolint: errcheck
	} else {
		conn.SetDeadline(time.Now().Add(config.DialTimeout)) // nolint: errcheck
	}

	r := bufio.NewReader(conn)

	err = c.write(&packet.Connect{
		ClientID:     config.ClientID,
		CleanSession: config.CleanSession,
		KeepAlive:    uint16(config.KeepAlive / time.Second),
	})
	if err != nil {
		conn.Close() // nolint: errcheck
		return nil, err
	}

	f, err := packet.ReadFrame(r, 0)
	if err != nil {
		conn.Close() // nolint: errcheck
		return nil, err
	}

	ack, ok := f.(*packet.ConnAck)
	if !ok {
		conn.Close() // nolint: errcheck
		return nil, errors.Errorf("client: expected CONNACK, received %s", f.Type())
	}

	if ack.Code != packet.CodeAccepted {
		conn.Close() // nolint: errcheck
		return nil, errors.Wrapf(ErrRefused, "%s", ack.Code)
	}

	conn.SetDeadline(time.Time{}) // nolint: errcheck

	c.present = ack.SessionPresent

	c.wg.Add(1)
	go c.reader(r)

	if config.KeepAlive > 0 {
		c.wg.Add(1)
		go c.pinger()
	}

	return c, nil
}

// SessionPresent broker resumed durable session
func (c *Client) SessionPresent() bool {
	return c.present
}

// Messages delivered by broker. Closed when connection is gone
func (c *Client) Messages() <-chan *Message {
	return c.messages
}

// Done closed when connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reason connection is gone
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.ids, 1)
}

func (c *Client) write(f packet.Frame) error {
	c.wLock.Lock()
	defer c.wLock.Unlock()

	return packet.WriteFrame(c.conn, f)
}

func (c *Client) expect(kind packet.Type, id uint64) chan packet.Frame {
	ch := make(chan packet.Frame, 1)

	c.lock.Lock()
	c.waiters[waitKey{kind, id}] = ch
	c.lock.Unlock()

	return ch
}

func (c *Client) forget(kind packet.Type, id uint64) {
	c.lock.Lock()
	delete(c.waiters, waitKey{kind, id})
	c.lock.Unlock()
}

func (c *Client) wait(ctx context.Context, kind packet.Type, id uint64, ch chan packet.Frame) (packet.Frame, error) {
	select {
	case f := <-ch:
		return f, nil
	case <-c.done:
		c.forget(kind, id)
		return nil, ErrClosed
	case <-ctx.Done():
		c.forget(kind, id)
		return nil, ctx.Err()
	}
}

// request writes frame and waits for response of kind with same id
func (c *Client) request(ctx context.Context, f packet.Frame, kind packet.Type, id uint64) (packet.Frame, error) {
	ch := c.expect(kind, id)

	if err := c.write(f); err != nil {
		c.forget(kind, id)
		return nil, err
	}

	return c.wait(ctx, kind, id, ch)
}

// Publish message. Returns after broker acknowledged it according to QoS
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos types.QosType, retain bool) error {
	if !qos.IsValid() {
		return types.ErrInvalidQoS
	}

	p := &packet.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}

	switch qos {
	case types.QoS0:
		return c.write(p)
	case types.QoS1:
		p.ID = c.nextID()
		_, err := c.request(ctx, p, packet.PUBACK, p.ID)
		return err
	default:
		p.ID = c.nextID()
		if _, err := c.request(ctx, p, packet.PUBREC, p.ID); err != nil {
			return err
		}

		_, err := c.request(ctx, packet.NewAck(packet.PUBREL, p.ID), packet.PUBCOMP, p.ID)
		return err
	}
}

// Subscribe filter. Returns QoS granted by broker
func (c *Client) Subscribe(ctx context.Context, filter string, qos types.QosType) (types.QosType, error) {
	id := c.nextID()

	f, err := c.request(ctx, &packet.Subscribe{
		ID:            id,
		Subscriptions: []packet.Subscription{{Filter: filter, QoS: qos}},
	}, packet.SUBACK, id)
	if err != nil {
		return types.QosFailure, err
	}

	ack := f.(*packet.SubAck)
	if len(ack.Granted) != 1 || ack.Granted[0] == types.QosFailure {
		return types.QosFailure, errors.Wrapf(ErrRejected, "%s", filter)
	}

	return ack.Granted[0], nil
}

// Unsubscribe filter
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	id := c.nextID()

	_, err := c.request(ctx, &packet.Unsubscribe{ID: id, Filters: filters}, packet.UNSUBACK, id)
	return err
}

// Ping round trip to broker
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, &packet.PingReq{}, packet.PINGRESP, 0)
	return err
}

// Close sends DISCONNECT and closes connection. Durable session stays on broker
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		c.write(&packet.Disconnect{}) // nolint: errcheck
	}

	c.shutdown(ErrClosed)
	c.wg.Wait()

	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close() // nolint: errcheck
	})
}

func (c *Client) pinger() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.KeepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(&packet.PingReq{}); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Client) reader(r *bufio.Reader) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		f, err := packet.ReadFrame(r, 0)
		if err != nil {
			c.shutdown(err)
			return
		}

		if err = c.handle(f); err != nil {
			c.log.Warnw("Connection dropped", "error", err)
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handle(f packet.Frame) error {
	switch p := f.(type) {
	case *packet.Publish:
		return c.onPublish(p)
	case *packet.Ack:
		if p.Kind == packet.PUBREL {
			c.lock.Lock()
			delete(c.received, p.ID)
			c.lock.Unlock()

			return c.write(packet.NewAck(packet.PUBCOMP, p.ID))
		}

		c.resolve(p.Kind, p.ID, f)
	case *packet.SubAck:
		c.resolve(packet.SUBACK, p.ID, f)
	case *packet.PingResp:
		c.resolve(packet.PINGRESP, 0, f)
	default:
		return errors.Errorf("client: unexpected %s", f.Type())
	}

	return nil
}

func (c *Client) resolve(kind packet.Type, id uint64, f packet.Frame) {
	c.lock.Lock()
	ch, ok := c.waiters[waitKey{kind, id}]
	delete(c.waiters, waitKey{kind, id})
	c.lock.Unlock()

	if ok {
		ch <- f
	}
}

func (c *Client) deliver(p *packet.Publish) bool {
	select {
	case c.messages <- &Message{
		Seq:     p.ID,
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
		Dup:     p.Dup,
	}:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) onPublish(p *packet.Publish) error {
	switch p.QoS {
	case types.QoS0:
		c.deliver(p)
		return nil
	case types.QoS1:
		if !c.deliver(p) {
			return ErrClosed
		}
		return c.write(packet.NewAck(packet.PUBACK, p.ID))
	default:
		c.lock.Lock()
		_, dup := c.received[p.ID]
		c.received[p.ID] = struct{}{}
		c.lock.Unlock()

		if !dup && !c.deliver(p) {
			return ErrClosed
		}

		return c.write(packet.NewAck(packet.PUBREC, p.ID))
	}
}
