// Package testutil runs an embedded NATS JetStream server for tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates a NATS server on a random local port with JetStream
// storing its files under storeDir
func RunServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      true,
		StoreDir:       storeDir,
	}

	return server.NewServer(opts)
}

// StartJetStream starts a NATS server with JetStream enabled and returns a
// connected JetStream context
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := RunServer(t.TempDir())
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	shutdown := func() {
		s.Shutdown()
		s.WaitForShutdown()
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	if err != nil {
		shutdown()
		require.NoError(t, err)
	}

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	if err == nil {
		err = waitForJetStream(s, js, 10*time.Second)
	}
	if err != nil {
		nc.Close()
		shutdown()
		require.NoError(t, err)
	}

	cleanup := func() {
		nc.Close()
		shutdown()
	}

	return s, js, cleanup
}

// waitForJetStream blocks until the server reports JetStream enabled and
// the account API answers
func waitForJetStream(s *server.Server, js nats.JetStreamContext, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var err error
		if !s.JetStreamEnabled() {
			err = errors.New("jetstream not enabled")
		} else if _, err = js.AccountInfo(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for jetstream: %w", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// WaitForConsumer waits for a consumer to be created
func WaitForConsumer(t *testing.T, js nats.JetStreamContext, stream, consumer string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.ConsumerInfo(stream, consumer)
		if err == nil {
			return nil
		}
		if err != nats.ErrConsumerNotFound {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for consumer %s on stream %s", consumer, stream)
}

// PublishJSON marshals v and publishes it on subject
func PublishJSON(t *testing.T, js nats.JetStreamContext, subject string, v interface{}) {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = js.Publish(subject, data)
	require.NoError(t, err)
}

// ConsumeMessages consumes messages from a subject for a specified duration
func ConsumeMessages(js nats.JetStreamContext, subject string, duration time.Duration) ([][]byte, error) {
	var messages [][]byte
	msgChan := make(chan *nats.Msg, 100)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case msg := <-msgChan:
			messages = append(messages, msg.Data)
		case <-timer.C:
			return messages, nil
		}
	}
}
