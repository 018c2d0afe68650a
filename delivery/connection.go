package delivery

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/sessions"
	"github.com/marcestarlet/embroker/topics"
	"github.com/marcestarlet/embroker/transport"
	"github.com/marcestarlet/embroker/types"
)

var (
	// ErrProtocolViolation client sent frame not allowed in current state
	ErrProtocolViolation = errors.New("protocol violation")

	errDisconnect = errors.New("client disconnected")
)

var _ transport.Handler = (*Engine)(nil)

type connection struct {
	*Engine
	conn    transport.Conn
	session *sessions.Session
	log     *zap.SugaredLogger
}

// OnConnection serves client connection until it is closed.
// First frame has to be CONNECT
func (e *Engine) OnConnection(conn transport.Conn) error {
	e.drainLock.Lock()
	if e.closed {
		e.drainLock.Unlock()
		conn.Close() // nolint: errcheck
		return types.ErrNotRunning
	}
	e.wgConns.Add(1)
	e.drainLock.Unlock()

	defer e.wgConns.Done()

	defer conn.Close() // nolint: errcheck

	if e.config.ConnectTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(e.config.ConnectTimeout)) // nolint: errcheck
	}

	f, err := conn.ReadFrame()
	if err != nil {
		e.log.Debugw("Couldn't read CONNECT", "remote", conn.RemoteAddr(), "error", err)
		return err
	}

	e.config.Packets.OnRecv(f.Type())

	req, ok := f.(*packet.Connect)
	if !ok {
		e.log.Warnw("Unexpected frame", "expected", packet.CONNECT, "received", f.Type(), "remote", conn.RemoteAddr())
		return ErrProtocolViolation
	}

	s, present, err := e.config.Sessions.Connect(req.ClientID, req.CleanSession, conn)
	if err != nil {
		code := packet.CodeRefusedUnavailable
		if errors.Is(err, types.ErrInvalidClientID) {
			code = packet.CodeRefusedIdentifier
		}

		e.log.Infow("Connection refused", "ClientID", req.ClientID, "code", code, "error", err)
		e.config.Packets.OnRejected(1)
		conn.WriteFrame(&packet.ConnAck{Code: code}) // nolint: errcheck

		return err
	}

	c := &connection{
		Engine:  e,
		conn:    conn,
		session: s,
		log:     e.log.With("ClientID", s.ID(), "protocol", conn.Protocol()),
	}

	defer func() {
		if derr := c.config.Sessions.Disconnect(s.ID(), conn); derr != nil {
			c.log.Errorw("Disconnect", "error", derr)
		}
	}()

	if err = c.write(&packet.ConnAck{Code: packet.CodeAccepted, SessionPresent: present}); err != nil {
		return err
	}

	c.log.Infow("Client connected", "remote", conn.RemoteAddr(), "clean", req.CleanSession, "present", present)

	keepAlive := time.Duration(req.KeepAlive) * time.Second
	if keepAlive == 0 {
		keepAlive = e.config.KeepAlive
	}

	err = c.run(keepAlive)
	if errors.Is(err, errDisconnect) {
		err = nil
	}

	c.log.Infow("Client disconnected", "error", err)

	return err
}

type readResult struct {
	f   packet.Frame
	err error
}

// run multiplexes incoming frames, session notifications and shutdown
func (c *connection) run(keepAlive time.Duration) error {
	frames := make(chan readResult)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			// client must send something within 1.5 keep alive period
			var deadline time.Time
			if keepAlive > 0 {
				deadline = time.Now().Add(keepAlive + keepAlive/2)
			}
			c.conn.SetReadDeadline(deadline) // nolint: errcheck

			f, err := c.conn.ReadFrame()
			if err == nil {
				c.config.Packets.OnRecv(f.Type())
			}

			select {
			case frames <- readResult{f: f, err: err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}
		}
	}()

	notify := c.session.Notify()

	for {
		select {
		case <-c.quit:
			return nil
		case r := <-frames:
			if r.err != nil {
				if r.err == io.EOF {
					return nil
				}
				return r.err
			}

			if err := c.handle(r.f); err != nil {
				return err
			}
		case <-notify:
			if err := c.flush(); err != nil {
				return err
			}
		}
	}
}

func (c *connection) write(f packet.Frame) error {
	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)) // nolint: errcheck
	}

	if err := c.conn.WriteFrame(f); err != nil {
		return err
	}

	c.config.Packets.OnSent(f.Type())

	return nil
}

// flush writes everything session has due for this connection
func (c *connection) flush() error {
	now := time.Now()

	for _, o := range c.session.Outgoing(c.conn, now) {
		if !o.First {
			c.config.Metrics.OnRetransmit()
		}

		if o.State == persistenceTypes.StateReleased {
			if err := c.write(packet.NewAck(packet.PUBREL, o.Message.Seq)); err != nil {
				return err
			}
			continue
		}

		if o.QoS > types.QoS0 && o.First {
			c.config.Metrics.OnAddInflight(1)
			if err := c.config.Deliveries.SetState(c.session.ID(), o.Message.Seq, persistenceTypes.StateSent, o.Attempts); err != nil {
				c.log.Warnw("Couldn't persist delivery state", "seq", o.Message.Seq, "error", err)
			}
		}

		err := c.write(&packet.Publish{
			ID:      o.Message.Seq,
			Topic:   o.Message.Topic,
			Payload: o.Message.Payload,
			QoS:     o.QoS,
			Retain:  o.Message.Retain,
			Dup:     o.Dup,
		})
		if err != nil {
			return err
		}

		if o.QoS == types.QoS0 {
			c.config.Metrics.OnDelivered(types.QoS0)
		}
	}

	return nil
}

func (c *connection) handle(f packet.Frame) error {
	switch p := f.(type) {
	case *packet.Publish:
		return c.onPublish(p)
	case *packet.Ack:
		return c.onAck(p)
	case *packet.Subscribe:
		return c.onSubscribe(p)
	case *packet.Unsubscribe:
		return c.onUnsubscribe(p)
	case *packet.PingReq:
		return c.write(&packet.PingResp{})
	case *packet.Disconnect:
		return errDisconnect
	default:
		c.log.Warnw("Unexpected frame", "type", f.Type())
		return ErrProtocolViolation
	}
}

// onPublish inbound message from publisher. Acknowledgement is written only after
// message has been durably fanned out
func (c *connection) onPublish(p *packet.Publish) error {
	if err := topics.ValidateTopic(p.Topic); err != nil {
		c.log.Warnw("Invalid publish topic", "topic", p.Topic, "error", err)
		return err
	}

	switch p.QoS {
	case types.QoS0:
		if _, err := c.Publish(context.Background(), p.Topic, p.Payload, p.QoS, p.Retain); err != nil {
			// at most once, publisher is not told
			c.log.Warnw("Publish", "topic", p.Topic, "error", err)
		}
		return nil
	case types.QoS1:
		if _, err := c.Publish(context.Background(), p.Topic, p.Payload, p.QoS, p.Retain); err != nil {
			c.log.Errorw("Publish", "topic", p.Topic, "error", err)
			return err
		}
		return c.write(packet.NewAck(packet.PUBACK, p.ID))
	default:
		if c.session.ReceiveInbound(p.ID) {
			if _, err := c.Publish(context.Background(), p.Topic, p.Payload, p.QoS, p.Retain); err != nil {
				c.session.ReleaseInbound(p.ID)
				c.log.Errorw("Publish", "topic", p.Topic, "error", err)
				return err
			}
		}

		// duplicate PUBLISH is answered without publishing again
		return c.write(packet.NewAck(packet.PUBREC, p.ID))
	}
}

func (c *connection) onAck(p *packet.Ack) error {
	switch p.Kind {
	case packet.PUBACK:
		c.complete(p.ID, types.QoS1)
	case packet.PUBCOMP:
		c.complete(p.ID, types.QoS2)
	case packet.PUBREC:
		rec, ok := c.session.Release(p.ID, time.Now())
		if !ok {
			c.log.Debugw("PUBREC for unknown delivery", "seq", p.ID)
			return nil
		}

		if err := c.config.Deliveries.SetState(c.session.ID(), p.ID, persistenceTypes.StateReleased, rec.Attempts); err != nil {
			c.log.Warnw("Couldn't persist delivery state", "seq", p.ID, "error", err)
		}

		return c.write(packet.NewAck(packet.PUBREL, p.ID))
	case packet.PUBREL:
		c.session.ReleaseInbound(p.ID)
		return c.write(packet.NewAck(packet.PUBCOMP, p.ID))
	default:
		c.log.Warnw("Unexpected ack", "type", p.Kind)
		return ErrProtocolViolation
	}

	return nil
}

// complete final acknowledgement of outbound delivery. Repeated acks are ignored
func (c *connection) complete(seq uint64, qos types.QosType) {
	if _, ok := c.session.Acknowledge(seq, qos); !ok {
		c.log.Debugw("Ack for unknown delivery", "seq", seq, "qos", qos)
		return
	}

	if _, err := c.config.Deliveries.Ack(c.session.ID(), seq); err != nil {
		c.log.Errorw("Couldn't remove acknowledged delivery", "seq", seq, "error", err)
	}

	c.config.Metrics.OnDelivered(qos)
	c.config.Metrics.OnSubInflight(1)
}

func (c *connection) onSubscribe(p *packet.Subscribe) error {
	resp := &packet.SubAck{ID: p.ID}

	// retained messages are only queued here, loop writes them after SUBACK
	for _, sub := range p.Subscriptions {
		granted, retained, err := c.subscribe(c.session, sub.Filter, sub.QoS)
		if err != nil {
			c.log.Infow("Subscription rejected", "filter", sub.Filter, "qos", sub.QoS, "error", err)
			resp.Granted = append(resp.Granted, types.QosFailure)
			continue
		}

		c.log.Debugw("Subscribed", "filter", sub.Filter, "granted", granted, "retained", retained)
		resp.Granted = append(resp.Granted, granted)
	}

	return c.write(resp)
}

func (c *connection) onUnsubscribe(p *packet.Unsubscribe) error {
	for _, filter := range p.Filters {
		if err := c.config.Sessions.Unsubscribe(c.session, filter); err != nil {
			c.log.Debugw("Unsubscribe", "filter", filter, "error", err)
		}
	}

	return c.write(packet.NewAck(packet.UNSUBACK, p.ID))
}
