package producer

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestNewMessageRequiresTopic(t *testing.T) {
	if _, err := newMessage("", nil, nil, []byte("x")); err == nil {
		t.Fatalf("expected error without topic")
	}
}

func TestNewMessageCopiesHeaders(t *testing.T) {
	value := []byte("application/json")
	msg, err := newMessage("documents.status", []byte("PAY-1"), map[string][]byte{"content-type": value}, []byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	value[0] = 'X'

	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "application/json" {
		t.Fatalf("expected header value to be copied, got %+v", msg.Headers)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "PAY-1" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestNewMessageWithoutKey(t *testing.T) {
	msg, err := newMessage("documents.status", nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Key != nil || msg.Headers != nil {
		t.Fatalf("expected empty key and headers, got %+v", msg)
	}
}

func TestDefaultConfigIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Producer.Idempotent || cfg.Producer.RequiredAcks != sarama.WaitForAll || cfg.Net.MaxOpenRequests != 1 {
		t.Fatalf("unexpected producer settings %+v", cfg.Producer)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestCloneConfigDoesNotAlias(t *testing.T) {
	base := DefaultConfig()
	cloned := cloneConfig(base)
	cloned.ClientID = "other"
	if base.ClientID != "document-delivery" {
		t.Fatalf("clone must not alias the original config")
	}
	if cloneConfig(nil) == nil {
		t.Fatalf("expected default config for nil input")
	}
}
