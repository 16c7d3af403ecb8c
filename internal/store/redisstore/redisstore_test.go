package redisstore

import (
	"testing"

	"github.com/lvonguyen/loginwatch/internal/config"
)

// TestNew_RequiresAddr verifies the configuration guard.
func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(config.RedisConfig{}); err == nil {
		t.Fatal("New without addr should fail")
	}
}

// TestKeys verifies the key layout, including the default prefix.
func TestKeys(t *testing.T) {
	s, err := New(config.RedisConfig{Addr: "localhost:6379", KeyPrefix: "lw"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if got := s.eventsKey("slack"); got != "lw:events:slack" {
		t.Errorf("eventsKey = %q", got)
	}
	if got := s.watermarkKey(); got != "lw:last_analyzed" {
		t.Errorf("watermarkKey = %q", got)
	}

	d, err := New(config.RedisConfig{Addr: "localhost:6379"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	if got := d.watermarkKey(); got != "loginwatch:last_analyzed" {
		t.Errorf("default prefix watermarkKey = %q", got)
	}
}
