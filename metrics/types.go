package metrics

import (
	"net/http"

	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/types"
)

// Bytes transport traffic counters
type Bytes interface {
	OnSent(int)
	OnRecv(int)
}

// Packets frame counters
type Packets interface {
	OnSent(p packet.Type)
	OnRecv(p packet.Type)
	OnRejected(n int)
}

// Subscriptions registry counters
type Subscriptions interface {
	OnSubscribe()
	OnUnsubscribe()
}

// Clients session counters
type Clients interface {
	OnConnected()
	OnDisconnected(persisted bool)
	OnResumed()
	OnTakeover()
	OnExpired(n int)
	OnRejected()
}

// Deliveries delivery engine counters
type Deliveries interface {
	OnPublished(qos types.QosType)
	OnDelivered(qos types.QosType)
	OnRetransmit()
	OnDropped(reason string)
	OnAddInflight(n int)
	OnSubInflight(n int)
	OnAddRetain()
	OnSubRetain()
}

// Informer gives components access to counters
type Informer interface {
	Bytes(transport string) Bytes
	Packets() Packets
	Subs() Subscriptions
	Clients() Clients
	Deliveries() Deliveries
}

// Provider exposes collected metrics
type Provider interface {
	Handler() http.Handler
	Shutdown() error
}

// IFace metrics object
type IFace interface {
	Informer
	Provider
}
