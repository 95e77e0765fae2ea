package redisx

import (
	"testing"

	"github.com/oremus-labs/ol-redteam/config"
)

func TestNewClientWithoutAddr(t *testing.T) {
	client, err := NewClient(Config{})
	if err != nil || client != nil {
		t.Fatalf("expected nil client without address, got %v err=%v", client, err)
	}
}

func TestOptions(t *testing.T) {
	cfg := FromConfig(&config.Config{
		RedisAddr:        "redis:6379",
		RedisPassword:    "pw",
		RedisDB:          2,
		RedisTLSEnabled:  true,
		RedisTLSInsecure: true,
	})
	opts := cfg.Options()
	if opts.Addr != "redis:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected insecure TLS config")
	}
	if FromConfig(&config.Config{}).Options().TLSConfig != nil {
		t.Fatalf("TLS must be opt-in")
	}
}
