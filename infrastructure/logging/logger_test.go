package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithAccountID(ctx, "alice.testnet")
	ctx = WithRequestID(ctx, "req-1")

	if GetTraceID(ctx) != "trace-1" {
		t.Error("trace id round trip")
	}
	if GetAccountID(ctx) != "alice.testnet" {
		t.Error("account id round trip")
	}
	if GetRequestID(ctx) != "req-1" {
		t.Error("request id round trip")
	}
}

func TestGetTraceIDMissing(t *testing.T) {
	if GetTraceID(context.Background()) != "" {
		t.Error("missing trace id should be empty")
	}
}

func TestJSONOutputCarriesFields(t *testing.T) {
	logger := New("wallet-core", "debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := WithAccountID(WithTraceID(context.Background(), "t1"), "alice.testnet")
	logger.WithContext(ctx).Info("hello")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["service"] != "wallet-core" {
		t.Errorf("service = %v", record["service"])
	}
	if record["trace_id"] != "t1" {
		t.Errorf("trace_id = %v", record["trace_id"])
	}
	if record["account_id"] != "alice.testnet" {
		t.Errorf("account_id = %v", record["account_id"])
	}
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	logger := New("svc", "bogus", "text")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Debug("should be dropped")
	if buf.Len() != 0 {
		t.Error("debug output at info level")
	}
	logger.Info("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("info output missing")
	}
}

func TestLogRequest(t *testing.T) {
	logger := New("svc", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.LogRequest(context.Background(), "POST", "/vrf/apply-server-lock", 200, 12*time.Millisecond)

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["path"] != "/vrf/apply-server-lock" {
		t.Errorf("path = %v", record["path"])
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Error("trace ids should be unique")
	}
}
