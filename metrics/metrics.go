package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/types"
)

const namespace = "embroker"

type bytes struct {
	sent prometheus.Counter
	recv prometheus.Counter
}

type packets struct {
	sent     *prometheus.CounterVec
	recv     *prometheus.CounterVec
	rejected prometheus.Counter
}

type subs struct {
	active prometheus.Gauge
	total  prometheus.Counter
}

type clients struct {
	connected    prometheus.Gauge
	persisted    prometheus.Gauge
	takeovers    prometheus.Counter
	expired      prometheus.Counter
	rejected     prometheus.Counter
	connectTotal prometheus.Counter
}

type deliveries struct {
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	retransmits prometheus.Counter
	dropped     *prometheus.CounterVec
	inflight    prometheus.Gauge
	retained    prometheus.Gauge
}

type impl struct {
	reg        *prometheus.Registry
	bytesSent  *prometheus.CounterVec
	bytesRecv  *prometheus.CounterVec
	packets    packets
	subs       subs
	clients    clients
	deliveries deliveries
}

var _ IFace = (*impl)(nil)

// New allocates metrics bound to own registry, so several brokers may live in one process.
// broker is attached to every series as constant label
func New(broker string) IFace {
	labels := prometheus.Labels{"broker": broker}

	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	counterVec := func(subsystem, name, help string, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{label})
	}

	im := &impl{
		reg:       prometheus.NewRegistry(),
		bytesSent: counterVec("transport", "bytes_sent_total", "Bytes written to connections", "transport"),
		bytesRecv: counterVec("transport", "bytes_received_total", "Bytes read from connections", "transport"),
		packets: packets{
			sent:     counterVec("packets", "sent_total", "Frames sent by type", "type"),
			recv:     counterVec("packets", "received_total", "Frames received by type", "type"),
			rejected: counter("packets", "rejected_total", "Frames rejected by decoder"),
		},
		subs: subs{
			active: gauge("subscriptions", "active", "Active subscriptions"),
			total:  counter("subscriptions", "total", "Subscribe requests accepted"),
		},
		clients: clients{
			connected:    gauge("clients", "connected", "Connected clients"),
			persisted:    gauge("clients", "persisted", "Offline durable sessions"),
			takeovers:    counter("clients", "takeovers_total", "Sessions taken over by new connection"),
			expired:      counter("clients", "expired_total", "Durable sessions expired"),
			rejected:     counter("clients", "rejected_total", "Connections refused"),
			connectTotal: counter("clients", "connects_total", "Accepted connections"),
		},
		deliveries: deliveries{
			published:   counterVec("delivery", "published_total", "Messages accepted from publishers", "qos"),
			delivered:   counterVec("delivery", "delivered_total", "Deliveries completed", "qos"),
			retransmits: counter("delivery", "retransmits_total", "Frames retransmitted"),
			dropped:     counterVec("delivery", "dropped_total", "Deliveries dropped", "reason"),
			inflight:    gauge("delivery", "inflight", "Deliveries sent and waiting for acknowledge"),
			retained:    gauge("delivery", "retained", "Retained messages"),
		},
	}

	im.reg.MustRegister(
		collectors.NewGoCollector(),
		im.bytesSent,
		im.bytesRecv,
		im.packets.sent,
		im.packets.recv,
		im.packets.rejected,
		im.subs.active,
		im.subs.total,
		im.clients.connected,
		im.clients.persisted,
		im.clients.takeovers,
		im.clients.expired,
		im.clients.rejected,
		im.clients.connectTotal,
		im.deliveries.published,
		im.deliveries.delivered,
		im.deliveries.retransmits,
		im.deliveries.dropped,
		im.deliveries.inflight,
		im.deliveries.retained,
	)

	return im
}

// Registry exposes underlying registry. Used by tests to gather values
func Registry(m IFace) *prometheus.Registry {
	if im, ok := m.(*impl); ok {
		return im.reg
	}

	return nil
}

func (im *impl) Handler() http.Handler {
	return promhttp.HandlerFor(im.reg, promhttp.HandlerOpts{Registry: im.reg})
}

func (im *impl) Shutdown() error {
	return nil
}

func (im *impl) Bytes(transport string) Bytes {
	return &bytes{
		sent: im.bytesSent.WithLabelValues(transport),
		recv: im.bytesRecv.WithLabelValues(transport),
	}
}

func (im *impl) Packets() Packets {
	return &im.packets
}

func (im *impl) Subs() Subscriptions {
	return &im.subs
}

func (im *impl) Clients() Clients {
	return &im.clients
}

func (im *impl) Deliveries() Deliveries {
	return &im.deliveries
}

func (t *bytes) OnSent(n int) {
	t.sent.Add(float64(n))
}

func (t *bytes) OnRecv(n int) {
	t.recv.Add(float64(n))
}

func (t *packets) OnSent(p packet.Type) {
	t.sent.WithLabelValues(p.Name()).Inc()
}

func (t *packets) OnRecv(p packet.Type) {
	t.recv.WithLabelValues(p.Name()).Inc()
}

func (t *packets) OnRejected(n int) {
	t.rejected.Add(float64(n))
}

func (t *subs) OnSubscribe() {
	t.active.Inc()
	t.total.Inc()
}

func (t *subs) OnUnsubscribe() {
	t.active.Dec()
}

func (t *clients) OnConnected() {
	t.connected.Inc()
	t.connectTotal.Inc()
}

func (t *clients) OnDisconnected(persisted bool) {
	t.connected.Dec()
	if persisted {
		t.persisted.Inc()
	}
}

func (t *clients) OnResumed() {
	t.persisted.Dec()
}

func (t *clients) OnTakeover() {
	t.takeovers.Inc()
}

func (t *clients) OnExpired(n int) {
	t.expired.Add(float64(n))
	t.persisted.Sub(float64(n))
}

func (t *clients) OnRejected() {
	t.rejected.Inc()
}

func (t *deliveries) OnPublished(qos types.QosType) {
	t.published.WithLabelValues(qos.String()).Inc()
}

func (t *deliveries) OnDelivered(qos types.QosType) {
	t.delivered.WithLabelValues(qos.String()).Inc()
}

func (t *deliveries) OnRetransmit() {
	t.retransmits.Inc()
}

func (t *deliveries) OnDropped(reason string) {
	t.dropped.WithLabelValues(reason).Inc()
}

func (t *deliveries) OnAddInflight(n int) {
	t.inflight.Add(float64(n))
}

func (t *deliveries) OnSubInflight(n int) {
	t.inflight.Sub(float64(n))
}

func (t *deliveries) OnAddRetain() {
	t.retained.Inc()
}

func (t *deliveries) OnSubRetain() {
	t.retained.Dec()
}
