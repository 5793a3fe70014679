package mqtt

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type mockToken struct {
	waitResult  bool
	errorResult error
}

func (m *mockToken) Wait() bool {
	return m.waitResult
}

func (m *mockToken) WaitTimeout(_ time.Duration) bool {
	return m.waitResult
}

func (m *mockToken) Error() error {
	return m.errorResult
}

func (m *mockToken) Done() <-chan struct{} {
	return nil
}

type publishCall struct {
	topic   string
	payload string
}

type mockClient struct {
	publishToken    *mockToken
	publishCalls    []publishCall
	disconnectCalls int
}

func (m *mockClient) IsConnected() bool      { return true }
func (m *mockClient) IsConnectionOpen() bool { return true }
func (m *mockClient) Connect() mqtt.Token    { return &mockToken{waitResult: true} }
func (m *mockClient) Disconnect(_ uint)      { m.disconnectCalls++ }

func (m *mockClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	m.publishCalls = append(m.publishCalls, publishCall{topic: topic, payload: payload.(string)})
	return m.publishToken
}

func (m *mockClient) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return nil
}

func (m *mockClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return nil
}

func (m *mockClient) Unsubscribe(_ ...string) mqtt.Token {
	return nil
}

func (m *mockClient) AddRoute(_ string, _ mqtt.MessageHandler) {}

func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func init() {
	logrus.SetLevel(logrus.ErrorLevel)
}

func TestNewPublisher_Disabled(t *testing.T) {
	pub, err := NewPublisher(&Configuration{Enabled: false, Host: "tcp://localhost:1883"}, "export")
	if err != nil {
		t.Fatalf("unexpected error for disabled publisher: %v", err)
	}
	if pub.client != nil {
		t.Error("expected nil client for disabled publisher")
	}
}

func TestNewPublisher_MissingHost(t *testing.T) {
	pub, err := NewPublisher(&Configuration{Enabled: true}, "export")
	if err != nil {
		t.Fatalf("unexpected error for missing host: %v", err)
	}
	if pub.client != nil {
		t.Error("expected nil client when host is missing")
	}
}

func TestPublish(t *testing.T) {
	client := &mockClient{publishToken: &mockToken{waitResult: true}}
	pub := &Publisher{client: client, topicPrefix: "export"}

	pub.Publish("control/decision", `{"decision":{}}`)

	if len(client.publishCalls) != 1 {
		t.Fatalf("got %d publish calls, want 1", len(client.publishCalls))
	}
	if client.publishCalls[0].topic != "export/control/decision" {
		t.Errorf("topic = %q, want export/control/decision", client.publishCalls[0].topic)
	}
	if client.publishCalls[0].payload != `{"decision":{}}` {
		t.Errorf("payload = %q", client.publishCalls[0].payload)
	}
}

func TestPublish_Disabled(_ *testing.T) {
	pub := &Publisher{}
	// Must not panic.
	pub.Publish("control/decision", "{}")
	pub.Close()
}

func TestClose(t *testing.T) {
	client := &mockClient{}
	pub := &Publisher{client: client}
	pub.Close()
	if client.disconnectCalls != 1 {
		t.Errorf("got %d disconnect calls, want 1", client.disconnectCalls)
	}
}
