// Package ingest receives PCS telemetry from an MQTT broker and feeds it,
// one message at a time, to a handler.
package ingest

import (
	"context"
	"time"

	"codeberg.org/mutker/pcslog/internal/errors"
	"codeberg.org/mutker/pcslog/internal/logger"
	"codeberg.org/mutker/pcslog/internal/pipeline"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	disconnectQuiesce = 250 // milliseconds
	subscribeTimeout  = 10 * time.Second
	maxReconnectDelay = 30 * time.Second
)

type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QueueSize      int
}

// Subscriber owns the MQTT client. Its message callback only enqueues;
// Run is the single consumer.
type Subscriber struct {
	cfg       Config
	queue     *Queue
	client    mqtt.Client
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New returns a subscriber. The broker is not contacted until Connect.
func New(cfg Config, obs Observer) *Subscriber {
	return &Subscriber{
		cfg:       cfg,
		queue:     NewQueue(cfg.QueueSize, obs),
		newClient: mqtt.NewClient,
	}
}

// Connect dials the broker. The topic subscription is (re)established in
// the on-connect handler, so it survives automatic reconnects.
func (s *Subscriber) Connect() error {
	errFactory := errors.New()

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectDelay).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			logger.Info().Str("broker", s.cfg.Broker).Msg("Reconnecting to MQTT broker")
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	s.client = s.newClient(opts)

	logger.Info().
		Str("broker", s.cfg.Broker).
		Str("client_id", s.cfg.ClientID).
		Msg("Connecting to MQTT broker")

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return errFactory.WithData(ErrConnectTimeout, s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrConnectFailed, err)
	}

	return nil
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	logger.Info().Str("broker", s.cfg.Broker).Msg("MQTT connected")

	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		logger.ErrorWithCode(errors.New().WithData(ErrSubscribeFailed, s.cfg.Topic)).
			Msg("Timed out subscribing")
		return
	}
	if err := token.Error(); err != nil {
		logger.ErrorWithCode(errors.New().Wrap(ErrSubscribeFailed, err)).
			Str("topic", s.cfg.Topic).
			Msg("Failed to subscribe")
		return
	}

	logger.Info().
		Str("topic", s.cfg.Topic).
		Int("qos", int(s.cfg.QoS)).
		Msg("Subscribed")
}

func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := pipeline.Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Received: time.Now(),
	}
	if !s.queue.Offer(msg) {
		logger.Warn().
			Str("topic", msg.Topic).
			Int("queue_size", s.cfg.QueueSize).
			Msg("Ingestion queue full, dropping message")
	}
}

// Run feeds queued messages to handle until ctx is done, then
// disconnects and handles what was still queued.
func (s *Subscriber) Run(ctx context.Context, handle HandlerFunc) {
	s.queue.Consume(ctx, handle)

	s.Disconnect()

	// ctx is already cancelled; the handlers get a fresh one so the
	// final records are still written.
	if n := s.queue.Drain(context.Background(), handle); n > 0 {
		logger.Debug().Int("messages", n).Msg("Drained ingestion queue")
	}
}

// Disconnect closes the broker connection and stops any reconnect attempts
// in progress. It is safe to call more than once.
func (s *Subscriber) Disconnect() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Disconnect(disconnectQuiesce)
	logger.Info().Msg("MQTT disconnected")
}
