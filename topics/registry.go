package topics

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

// shard holds every filter sharing the same first level
type shard struct {
	lock sync.RWMutex
	root *node
}

type registry struct {
	log     *zap.SugaredLogger
	persist persistenceTypes.Retained
	subsM   metrics.Subscriptions
	delM    metrics.Deliveries
	maxQoS  types.QosType

	shardsLock sync.RWMutex
	shards     map[string]*shard
	// wild holds filters starting with + or #
	wild *shard

	idxLock sync.RWMutex
	idx     map[string]map[string]types.QosType

	// Retained message mutex
	rmu      sync.RWMutex
	retained map[string]*types.Message
}

var _ Provider = (*registry)(nil)

type nopSubs struct{}

func (nopSubs) OnSubscribe()   {}
func (nopSubs) OnUnsubscribe() {}

func newRegistry(config *Config) (*registry, error) {
	r := &registry{
		log:      configuration.GetLogger().Named("topics"),
		persist:  config.Persist,
		subsM:    config.MetricsSubs,
		delM:     config.MetricsDeliveries,
		maxQoS:   config.MaxQoS,
		shards:   make(map[string]*shard),
		wild:     &shard{root: newNode(nil)},
		idx:      make(map[string]map[string]types.QosType),
		retained: make(map[string]*types.Message),
	}

	if len(config.Name) > 0 {
		r.log = r.log.Named(config.Name)
	}

	if r.subsM == nil {
		r.subsM = nopSubs{}
	}

	if !r.maxQoS.IsValid() {
		return nil, types.ErrInvalidQoS
	}

	if r.persist != nil {
		entries, err := r.persist.Load()
		if err != nil && err != persistenceTypes.ErrNotFound {
			return nil, types.PersistenceError(err)
		}

		for _, m := range entries {
			if err = ValidateTopic(m.Topic); err != nil || len(m.Payload) == 0 {
				r.log.Warnw("Skip broken retained message", "topic", m.Topic)
				continue
			}

			r.retained[m.Topic] = m
			if r.delM != nil {
				r.delM.OnAddRetain()
			}
		}

		r.log.Debugw("Loaded retained messages", "count", len(r.retained))
	}

	return r, nil
}

// shardFor returns shard owning filter with given first level.
// create allocates missing shard
func (r *registry) shardFor(first string, create bool) *shard {
	if first == MWC || first == SWC {
		return r.wild
	}

	r.shardsLock.RLock()
	sh, ok := r.shards[first]
	r.shardsLock.RUnlock()

	if ok || !create {
		return sh
	}

	r.shardsLock.Lock()
	defer r.shardsLock.Unlock()

	if sh, ok = r.shards[first]; !ok {
		sh = &shard{root: newNode(nil)}
		r.shards[first] = sh
	}

	return sh
}

func (r *registry) Subscribe(sessionID, filter string, qos types.QosType) (types.QosType, []*types.Message, error) {
	if err := ValidateFilter(filter); err != nil {
		return types.QosFailure, nil, err
	}

	if !qos.IsValid() {
		return types.QosFailure, nil, types.ErrInvalidQoS
	}

	if len(sessionID) == 0 {
		return types.QosFailure, nil, ErrInvalidArgs
	}

	qos = types.MinQoS(qos, r.maxQoS)

	levels := splitLevels(filter)
	sh := r.shardFor(levels[0], true)

	sh.lock.Lock()
	exists := sh.root.subscriptionInsert(levels, sessionID, qos)
	sh.lock.Unlock()

	r.idxLock.Lock()
	filters, ok := r.idx[sessionID]
	if !ok {
		filters = make(map[string]types.QosType)
		r.idx[sessionID] = filters
	}
	filters[filter] = qos
	r.idxLock.Unlock()

	if !exists {
		r.subsM.OnSubscribe()
	}

	return qos, r.Retained(filter), nil
}

func (r *registry) UnSubscribe(sessionID, filter string) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	levels := splitLevels(filter)

	sh := r.shardFor(levels[0], false)
	if sh == nil {
		return types.ErrNotFound
	}

	sh.lock.Lock()
	err := sh.root.subscriptionRemove(levels, sessionID)
	sh.lock.Unlock()

	if err != nil {
		return err
	}

	r.idxLock.Lock()
	if filters, ok := r.idx[sessionID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(r.idx, sessionID)
		}
	}
	r.idxLock.Unlock()

	r.subsM.OnUnsubscribe()

	return nil
}

func (r *registry) UnSubscribeAll(sessionID string) int {
	count := 0

	for filter := range r.Subscriptions(sessionID) {
		if err := r.UnSubscribe(sessionID, filter); err == nil {
			count++
		}
	}

	return count
}

func (r *registry) Subscriptions(sessionID string) map[string]types.QosType {
	r.idxLock.RLock()
	defer r.idxLock.RUnlock()

	res := make(map[string]types.QosType, len(r.idx[sessionID]))
	for f, q := range r.idx[sessionID] {
		res[f] = q
	}

	return res
}

func (r *registry) Matches(topic string) []Subscription {
	levels := splitLevels(topic)
	p := make(subscribers)

	if sh := r.shardFor(levels[0], false); sh != nil {
		sh.lock.RLock()
		subscriptionRecurseSearch(sh.root, levels, p)
		sh.lock.RUnlock()
	}

	if !strings.HasPrefix(topic, SYS) {
		r.wild.lock.RLock()
		subscriptionRecurseSearch(r.wild.root, levels, p)
		r.wild.lock.RUnlock()
	}

	res := make([]Subscription, 0, len(p))
	for id, qos := range p {
		res = append(res, Subscription{SessionID: id, QoS: qos})
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].SessionID < res[j].SessionID
	})

	return res
}

func (r *registry) Retain(msg *types.Message) error {
	if msg == nil {
		return ErrInvalidArgs
	}

	if err := ValidateTopic(msg.Topic); err != nil {
		return err
	}

	r.rmu.Lock()
	defer r.rmu.Unlock()

	// Empty payload means delete the retain message
	if len(msg.Payload) == 0 {
		if r.persist != nil {
			if err := r.persist.Delete(msg.Topic); err != nil {
				return types.PersistenceError(err)
			}
		}

		if _, ok := r.retained[msg.Topic]; ok {
			delete(r.retained, msg.Topic)
			if r.delM != nil {
				r.delM.OnSubRetain()
			}
		}

		return nil
	}

	m := msg.Copy()
	m.Retain = true

	if r.persist != nil {
		if err := r.persist.Store(m); err != nil {
			return types.PersistenceError(err)
		}
	}

	if _, ok := r.retained[m.Topic]; !ok && r.delM != nil {
		r.delM.OnAddRetain()
	}

	r.retained[m.Topic] = m

	return nil
}

func (r *registry) Retained(filter string) []*types.Message {
	r.rmu.RLock()
	defer r.rmu.RUnlock()

	var res []*types.Message
	for topic, m := range r.retained {
		if Match(filter, topic) {
			res = append(res, m)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Seq < res[j].Seq
	})

	return res
}

func (r *registry) Shutdown() error {
	r.shardsLock.Lock()
	r.shards = make(map[string]*shard)
	r.shardsLock.Unlock()

	r.wild.lock.Lock()
	r.wild.root = newNode(nil)
	r.wild.lock.Unlock()

	r.idxLock.Lock()
	r.idx = make(map[string]map[string]types.QosType)
	r.idxLock.Unlock()

	r.rmu.Lock()
	r.retained = make(map[string]*types.Message)
	r.rmu.Unlock()

	return nil
}
