package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("WALLET_TEST_STR", "  value  ")
	if got := GetEnv("WALLET_TEST_STR", "default"); got != "value" {
		t.Errorf("GetEnv() = %q", got)
	}
	if got := GetEnv("WALLET_TEST_MISSING", "default"); got != "default" {
		t.Errorf("GetEnv() default = %q", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"YES", true},
		{"y", true},
		{"false", false},
		{"0", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("WALLET_TEST_BOOL", tt.value)
			if got := GetEnvBool("WALLET_TEST_BOOL", false); got != tt.want {
				t.Errorf("GetEnvBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("WALLET_TEST_INT", "42")
	if got := GetEnvInt("WALLET_TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvInt() = %d", got)
	}
	t.Setenv("WALLET_TEST_INT", "nope")
	if got := GetEnvInt("WALLET_TEST_INT", 7); got != 7 {
		t.Errorf("GetEnvInt() invalid = %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("WALLET_TEST_DUR", "150ms")
	if got := GetEnvDuration("WALLET_TEST_DUR", time.Second); got != 150*time.Millisecond {
		t.Errorf("GetEnvDuration() = %v", got)
	}
}

func TestGetEnvBytes(t *testing.T) {
	t.Setenv("WALLET_TEST_BYTES", "0xdeadbeef")
	got, err := GetEnvBytes("WALLET_TEST_BYTES")
	if err != nil {
		t.Fatalf("GetEnvBytes() error = %v", err)
	}
	if len(got) != 4 || got[0] != 0xde {
		t.Errorf("GetEnvBytes() = %x", got)
	}

	t.Setenv("WALLET_TEST_BYTES", "raw-secret")
	got, _ = GetEnvBytes("WALLET_TEST_BYTES")
	if string(got) != "raw-secret" {
		t.Errorf("GetEnvBytes() raw = %q", got)
	}
}

func TestGetEnvCSV(t *testing.T) {
	t.Setenv("WALLET_TEST_CSV", "https://a.example, https://b.example ,,")
	got := GetEnvCSV("WALLET_TEST_CSV")
	if len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("GetEnvCSV() = %v", got)
	}
}

func TestDecode(t *testing.T) {
	t.Setenv("WALLET_TEST_RPC", "https://rpc.testnet.example")
	var cfg struct {
		RPC string `env:"WALLET_TEST_RPC"`
	}
	if err := Decode(&cfg); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.RPC != "https://rpc.testnet.example" {
		t.Errorf("cfg.RPC = %q", cfg.RPC)
	}
}
