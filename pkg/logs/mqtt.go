// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotistic/edge-agent/pkg/util/log"
)

const (
	mqttQueueSize  = 1000
	mqttBatchSize  = 50
	mqttBatchDelay = time.Second

	// DefaultLogQoS is the delivery guarantee for log publishes unless
	// configured otherwise.
	DefaultLogQoS = 1
)

// Publisher is the slice of the MQTT client the backend needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Connected() bool
}

// MQTTBackend streams container logs over MQTT. Messages are batched per
// topic; while the broker is unreachable messages are dropped, the cloud
// backend is the durable path.
type MQTTBackend struct {
	pub   Publisher
	qos   byte
	clock clock.Clock
	queue chan Message

	// owned by the flush loop
	batches map[string][]Message
}

// NewMQTTBackend returns the MQTT log backend publishing at the given QoS;
// values above 2 fall back to the default.
func NewMQTTBackend(pub Publisher, qos byte, clk clock.Clock) *MQTTBackend {
	if clk == nil {
		clk = clock.New()
	}
	if qos > 2 {
		qos = DefaultLogQoS
	}
	return &MQTTBackend{
		pub:     pub,
		qos:     qos,
		clock:   clk,
		queue:   make(chan Message, mqttQueueSize),
		batches: map[string][]Message{},
	}
}

func (b *MQTTBackend) Name() string { return "mqtt" }

// Log enqueues the message. Disconnected broker or full queue drop it.
func (b *MQTTBackend) Log(msg Message) {
	if !b.pub.Connected() {
		return
	}
	select {
	case b.queue <- msg:
	default:
	}
}

// Run batches and publishes until ctx is canceled.
func (b *MQTTBackend) Run(ctx context.Context) {
	ticker := b.clock.Ticker(mqttBatchDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flushAll()
			return
		case msg := <-b.queue:
			topic := logTopic(msg)
			b.batches[topic] = append(b.batches[topic], msg)
			if len(b.batches[topic]) >= mqttBatchSize {
				b.flush(topic)
			}
		case <-ticker.C:
			b.flushAll()
		}
	}
}

func logTopic(msg Message) string {
	return fmt.Sprintf("container-manager/logs/%d/%s/%s", msg.AppID, msg.ServiceName, msg.Level)
}

func (b *MQTTBackend) flushAll() {
	for topic := range b.batches {
		b.flush(topic)
	}
}

// flush publishes one topic's batch: a single message goes to the plain
// topic, multiple messages to its /batch sibling.
func (b *MQTTBackend) flush(topic string) {
	batch := b.batches[topic]
	if len(batch) == 0 {
		return
	}
	delete(b.batches, topic)

	var (
		payload []byte
		target  string
		err     error
	)
	if len(batch) == 1 {
		payload, err = json.Marshal(batch[0])
		target = topic
	} else {
		payload, err = json.Marshal(batch)
		target = topic + "/batch"
	}
	if err != nil {
		return
	}
	if err := b.pub.Publish(target, b.qos, false, payload); err != nil {
		log.Debugf("MQTT log publish to %s dropped %d messages: %v", target, len(batch), err)
	}
}
