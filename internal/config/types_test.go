package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", d.Duration())
	}

	if err := d.UnmarshalText([]byte("-5s")); err == nil {
		t.Error("UnmarshalText() accepted negative duration")
	}

	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("UnmarshalText() accepted garbage")
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"1m30s"` {
		t.Errorf("Marshal() = %s, want \"1m30s\"", data)
	}
}

func TestSecret_NeverLeaksValue(t *testing.T) {
	s := Secret("0xdeadbeefcafe")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("%%v = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%#v", s); got != "Secret([REDACTED])" {
		t.Errorf("%%#v = %q, want Secret([REDACTED])", got)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"[REDACTED]"` {
		t.Errorf("Marshal() = %s, leaked value", data)
	}

	// Value() is the only accessor that returns the raw secret
	if s.Value() != "0xdeadbeefcafe" {
		t.Errorf("Value() = %q, want raw value", s.Value())
	}
}

func TestSecret_EmptyStaysEmpty(t *testing.T) {
	var s Secret
	if s.IsSet() {
		t.Error("IsSet() = true for empty secret")
	}
	if s.String() != "" {
		t.Errorf("String() = %q, want empty", s.String())
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `""` {
		t.Errorf("Marshal() = %s, want empty string", data)
	}
}

func TestSecret_RoundTrip(t *testing.T) {
	var s Secret
	if err := json.Unmarshal([]byte(`"api-key-123"`), &s); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if s.Value() != "api-key-123" {
		t.Errorf("Value() = %q, want api-key-123", s.Value())
	}
}
