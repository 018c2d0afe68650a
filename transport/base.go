package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/types"
)

// Config listener
type Config struct {
	// Protocol one of configuration.TransportTCP, TransportMQTT, TransportWS
	Protocol string

	Host string

	// Port to listen on. 0 picks free port
	Port int

	// Path websocket upgrade path
	Path string

	TLS *tls.Config

	// AcceptRate connections per second, 0 unlimited
	AcceptRate float64

	// AcceptBurst connections accepted at once when AcceptRate is set
	AcceptBurst int
}

// InternalConfig shared by all listeners of broker
type InternalConfig struct {
	Handler Handler

	Metrics metrics.Informer

	// Pool bounds connection workers, nil spawns goroutine per connection
	Pool types.Pool

	// MaxPacketSize limits incoming frames, 0 means protocol maximum
	MaxPacketSize uint32
}

// Provider listener
type Provider interface {
	Protocol() string
	Addr() net.Addr
	Serve() error
	// Close stops accepting. Connections already accepted are not touched
	Close() error
	// Alive dials listener endpoint
	Alive() error
}

type baseConfig struct {
	InternalConfig

	config Config

	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.SugaredLogger
	stat   metrics.Bytes

	limiter *rate.Limiter
	addr    net.Addr

	onceStop sync.Once
}

func newBaseConfig(config *Config, internal *InternalConfig) (baseConfig, error) {
	if internal == nil || internal.Handler == nil {
		return baseConfig{}, types.ConfigError("listeners", "connection handler required")
	}

	if config.Port < 0 || config.Port > 65535 {
		return baseConfig{}, types.ConfigError("listeners.transports."+config.Protocol+".port", "invalid port %d", config.Port)
	}

	b := baseConfig{
		InternalConfig: *internal,
		config:         *config,
		quit:           make(chan struct{}),
		stat:           nopBytes{},
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	if internal.Metrics != nil {
		b.stat = internal.Metrics.Bytes(config.Protocol)
	}

	if config.AcceptRate > 0 {
		burst := config.AcceptBurst
		if burst <= 0 {
			burst = int(config.AcceptRate)
			if burst < 1 {
				burst = 1
			}
		}

		b.limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}

	return b, nil
}

func (c *baseConfig) hostPort() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

func (c *baseConfig) scheme() string {
	if c.config.TLS != nil {
		return c.config.Protocol + "s"
	}

	return c.config.Protocol
}

func (c *baseConfig) bound(addr net.Addr) {
	c.addr = addr
	c.log = configuration.GetLogger().Named("listener: " + c.scheme() + "://" + addr.String())
}

// Protocol ...
func (c *baseConfig) Protocol() string {
	return c.config.Protocol
}

// Addr bound address
func (c *baseConfig) Addr() net.Addr {
	return c.addr
}

// Alive ...
func (c *baseConfig) Alive() error {
	select {
	case <-c.quit:
		return types.ErrNotRunning
	default:
	}

	cn, err := net.DialTimeout("tcp", c.addr.String(), time.Second)
	if err != nil {
		return err
	}

	return cn.Close()
}

func (c *baseConfig) stop(closer func() error) error {
	var err error

	c.onceStop.Do(func() {
		close(c.quit)
		c.cancel()
		err = closer()
	})

	return err
}

// serve accept loop
func (c *baseConfig) serve(ln net.Listener, wrap func(net.Conn) Conn) error {
	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return nil
			}
		}

		cn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.quit:
				return nil
			default:
			}

			// Borrowed from go1.3.3/src/pkg/net/http/server.go:1699
			if ne, ok := err.(net.Error); ok && ne.Temporary() { // nolint: staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				c.log.Errorw("Couldn't accept connection. Retrying", "error", err, "retryIn", tempDelay)

				time.Sleep(tempDelay)
				continue
			}
			return err
		}

		tempDelay = 0

		c.handleConnection(wrap(cn))
	}
}

// handleConnection hands connection to a worker
func (c *baseConfig) handleConnection(conn Conn) {
	task := func() {
		if err := c.Handler.OnConnection(conn); err != nil {
			c.log.Debugw("Connection closed", "remote", conn.RemoteAddr(), "error", err)
		}
	}

	if c.Pool == nil {
		go task()
		return
	}

	if err := c.Pool.ScheduleTimeout(time.Second, task); err != nil {
		c.log.Warnw("Connection rejected", "remote", conn.RemoteAddr(), "error", err)
		conn.Close() // nolint: errcheck
	}
}

type nopBytes struct{}

func (nopBytes) OnSent(int) {}
func (nopBytes) OnRecv(int) {}
