// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqtt connects the device to its backend over an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gaslyt/device-updates/internal/bus"
	"github.com/gaslyt/device-updates/internal/credentials"
	"github.com/golang/glog"
)

const (
	// QoS used for everything the device sends and receives.
	QoS = 1

	DefaultConnectTimeout = 30 * time.Second
	subscriptionBuffer    = 16
)

// ErrNotConnected is returned by Publish when the broker link is down.
var ErrNotConnected = errors.New("not connected to broker")

// Opts configures a Client.
type Opts struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TLS enables client certificate authentication. The certificate comes
	// from SetCredentials.
	TLS bool
	// ServerName overrides the name the broker's certificate is checked
	// against.
	ServerName string
	// ConnectTimeout bounds the initial connection, including retries.
	ConnectTimeout time.Duration
}

// Client is a bus.Publisher and bus.Subscriber backed by a paho client.
// It is also a credentials.SecureClient: new credentials are used from the
// next connection attempt onwards.
type Client struct {
	opts Opts
	c    paho.Client

	mu  sync.Mutex
	tls credentials.TLSClient
}

var (
	_ bus.Publisher            = &Client{}
	_ bus.Subscriber           = &Client{}
	_ credentials.SecureClient = &Client{}
)

// New creates a Client. Call Connect before use.
func New(opts Opts) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	c := &Client{
		opts: opts,
		tls:  credentials.TLSClient{ServerName: opts.ServerName},
	}
	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(false).
		SetConnectionAttemptHandler(c.tlsFor).
		SetOnConnectHandler(func(paho.Client) {
			glog.Infof("Connected to broker %s", opts.Broker)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			glog.Warningf("Lost connection to broker %s: %v", opts.Broker, err)
		})
	c.c = paho.NewClient(po)
	return c
}

// SetCredentials implements credentials.SecureClient.
func (c *Client) SetCredentials(caCert, cert, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tls.SetCredentials(caCert, cert, key)
}

// tlsFor is called by paho before each connection attempt.
func (c *Client) tlsFor(broker *url.URL, cfg *tls.Config) *tls.Config {
	if !c.opts.TLS {
		return cfg
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc := c.tls.Config(); tc != nil {
		return tc.Clone()
	}
	glog.Warningf("No client credentials available for %s", broker)
	return cfg
}

// Connect connects to the broker, retrying with exponential backoff until
// ctx is done or the connect timeout expires.
func (c *Client) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = c.opts.ConnectTimeout
	op := func() error {
		t := c.c.Connect()
		if err := wait(ctx, t); err != nil {
			glog.V(1).Infof("Connect to %s: %v", c.opts.Broker, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.opts.Broker, err)
	}
	return nil
}

// Online reports whether the broker link is up.
func (c *Client) Online() bool {
	return c.c.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.c.Disconnect(250)
}

// Publish implements bus.Publisher.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.Online() {
		return ErrNotConnected
	}
	return wait(ctx, c.c.Publish(topic, QoS, false, payload))
}

// Subscribe implements bus.Subscriber.
func (c *Client) Subscribe(ctx context.Context, topics []string) (<-chan bus.Message, error) {
	s := newSubscription()
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = QoS
	}
	if err := wait(ctx, c.c.SubscribeMultiple(filters, s.handle)); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	go func() {
		<-ctx.Done()
		if t := c.c.Unsubscribe(topics...); !t.WaitTimeout(time.Second) {
			glog.Warning("Timed out unsubscribing")
		}
		s.close()
	}()
	return s.c, nil
}

// subscription bridges paho's callbacks onto a channel which can be safely
// closed while callbacks are still arriving.
type subscription struct {
	done chan struct{}

	mu     sync.Mutex
	closed bool
	c      chan bus.Message
}

func newSubscription() *subscription {
	return &subscription{
		done: make(chan struct{}),
		c:    make(chan bus.Message, subscriptionBuffer),
	}
}

func (s *subscription) handle(_ paho.Client, m paho.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.c <- bus.Message{Topic: m.Topic(), Payload: append([]byte{}, m.Payload()...)}:
	case <-s.done:
		glog.Warningf("Dropped message on %q: subscription closed", m.Topic())
	}
}

// close must only be called once.
func (s *subscription) close() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.c)
}

// wait blocks until t completes or ctx is done.
func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
