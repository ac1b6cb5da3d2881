// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package mqtt wraps the paho client with connection tracking, subscription
// replay after reconnects and live broker migration.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/iotistic/edge-agent/pkg/util/log"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second

	// disconnectQuiesce is the grace paho gets to flush in-flight messages
	// before a migration disconnect.
	disconnectQuiesce = 250
)

// Connection states surfaced in the device shadow.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusMigrating    = "migrating"
	StatusError        = "error"
)

// ConnectionStatus is the broker connection state reported to the shadow.
// LastError keeps the most recent failure even after the connection
// recovers.
type ConnectionStatus struct {
	Broker    string `json:"broker"`
	Status    string `json:"status"`
	LastError string `json:"lastError,omitempty"`
}

// Handler receives inbound messages for a subscription.
type Handler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler Handler
}

// Client is a reconnecting MQTT client. Subscriptions survive reconnects
// and broker migrations.
type Client struct {
	clientID string

	m         sync.RWMutex
	cli       paho.Client
	broker    string
	username  string
	password  string
	status    string
	lastError string
	subs      map[string]subscription
	onConnect []func()
}

// NewClient returns an unconnected Client. clientID should be the device
// UUID.
func NewClient(broker, username, password, clientID string) *Client {
	return &Client{
		clientID: clientID,
		broker:   broker,
		username: username,
		password: password,
		status:   StatusDisconnected,
		subs:     map[string]subscription{},
	}
}

// OnConnect registers a callback invoked after every successful connection,
// including reconnects and migrations. Must be called before Connect.
func (c *Client) OnConnect(fn func()) {
	c.m.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.m.Unlock()
}

// Connect dials the broker, blocking up to the connect timeout.
func (c *Client) Connect() error {
	c.m.Lock()
	broker, username, password := c.broker, c.username, c.password
	c.status = StatusConnecting
	c.m.Unlock()

	cli := paho.NewClient(c.options(broker, username, password))

	c.m.Lock()
	c.cli = cli
	c.m.Unlock()

	token := cli.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.setError(fmt.Errorf("connect to %s timed out", broker))
		return fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		c.setError(err)
		return fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return nil
}

// Disconnect closes the connection, flushing in-flight messages first.
func (c *Client) Disconnect() {
	c.m.Lock()
	cli := c.cli
	c.status = StatusDisconnected
	c.m.Unlock()
	if cli != nil && cli.IsConnected() {
		cli.Disconnect(disconnectQuiesce)
	}
}

// Reconfigure migrates the client to a new broker: graceful disconnect,
// then a fresh connection with the new credentials. Subscriptions are
// replayed by the on-connect handler. Empty arguments keep the current
// value.
func (c *Client) Reconfigure(broker, username, password string) error {
	c.m.Lock()
	if broker != "" {
		c.broker = broker
	}
	if username != "" {
		c.username = username
	}
	if password != "" {
		c.password = password
	}
	old := c.cli
	c.status = StatusMigrating
	c.m.Unlock()

	if old != nil && old.IsConnected() {
		old.Disconnect(disconnectQuiesce)
	}
	log.Infof("Migrating MQTT connection to %s", broker)
	return c.Connect()
}

// Publish sends a message, blocking up to the publish timeout. Returns an
// error immediately when disconnected so callers can drop instead of queue.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.m.RLock()
	cli := c.cli
	c.m.RUnlock()
	if cli == nil || !cli.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := cli.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Subscribe registers a handler for topic. The subscription is replayed on
// every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	c.m.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	cli := c.cli
	c.m.Unlock()

	if cli == nil || !cli.IsConnected() {
		return nil
	}
	return c.subscribe(cli, topic, qos, handler)
}

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool {
	c.m.RLock()
	cli := c.cli
	c.m.RUnlock()
	return cli != nil && cli.IsConnected()
}

// Status returns the connection state for shadow reporting.
func (c *Client) Status() ConnectionStatus {
	c.m.RLock()
	defer c.m.RUnlock()
	return ConnectionStatus{
		Broker:    c.broker,
		Status:    c.status,
		LastError: c.lastError,
	}
}

func (c *Client) options(broker, username, password string) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.clientID).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(5 * time.Minute).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(cli paho.Client) {
		c.m.Lock()
		c.status = StatusConnected
		subs := make(map[string]subscription, len(c.subs))
		for t, s := range c.subs {
			subs[t] = s
		}
		callbacks := append([]func(){}, c.onConnect...)
		c.m.Unlock()

		log.Infof("MQTT connected to %s", broker)
		for topic, sub := range subs {
			if err := c.subscribe(cli, topic, sub.qos, sub.handler); err != nil {
				log.Warnf("Resubscribe to %s failed: %v", topic, err)
			}
		}
		for _, fn := range callbacks {
			fn()
		}
	})

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.setError(err)
		log.Warnf("MQTT connection lost: %v", err)
	})

	return opts
}

func (c *Client) subscribe(cli paho.Client, topic string, qos byte, handler Handler) error {
	token := cli.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

// setError records a failure. lastError stays set after recovery so the
// shadow keeps the most recent incident visible.
func (c *Client) setError(err error) {
	c.m.Lock()
	c.status = StatusError
	c.lastError = err.Error()
	c.m.Unlock()
}
