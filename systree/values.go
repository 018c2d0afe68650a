package systree

import (
	"strconv"
	"time"
)

// DynamicValue value of the tree refreshed on every publish round
type DynamicValue interface {
	Topic() string
	Value() []byte
}

type dynamicValue struct {
	topic    string
	getValue func() []byte
}

func (v *dynamicValue) Topic() string {
	return v.topic
}

func (v *dynamicValue) Value() []byte {
	return v.getValue()
}

type dynamicValueInteger struct {
	dynamicValue
	get func() uint64
}

type dynamicValueUpTime struct {
	dynamicValue
	startTime time.Time
}

type dynamicValueCurrentTime struct {
	dynamicValue
}

type staticValue struct {
	topic string
	value []byte
}

func (v *staticValue) Topic() string {
	return v.topic
}

func (v *staticValue) Value() []byte {
	return v.value
}

func newDynamicValueInteger(topic string, get func() uint64) *dynamicValueInteger {
	v := &dynamicValueInteger{get: get}
	v.topic = topic
	v.getValue = v.format

	return v
}

func newDynamicValueUpTime(topic string, start time.Time) *dynamicValueUpTime {
	v := &dynamicValueUpTime{
		startTime: start,
	}

	v.topic = topic
	v.getValue = v.since

	return v
}

func newDynamicValueCurrentTime(topic string) *dynamicValueCurrentTime {
	v := &dynamicValueCurrentTime{}
	v.topic = topic
	v.getValue = v.now

	return v
}

func (v *dynamicValueInteger) format() []byte {
	return []byte(strconv.FormatUint(v.get(), 10))
}

func (v *dynamicValueUpTime) since() []byte {
	return []byte(time.Since(v.startTime).Truncate(time.Second).String())
}

func (v *dynamicValueCurrentTime) now() []byte {
	return []byte(time.Now().Format(time.RFC3339))
}
