package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f, err := NewFrame("login", map[string]string{"username": "alice"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.Version != CurrentVersion {
		t.Fatalf("Version = %d, want %d", f.Version, CurrentVersion)
	}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[len(data)-1] != 0 {
		t.Fatalf("Encode did not append a trailing NUL byte")
	}

	got, err := Decode(data[:len(data)-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Command != "login" {
		t.Fatalf("Command = %q, want %q", got.Command, "login")
	}
}

func TestScannerSplitsMultipleFrames(t *testing.T) {
	f1, _ := NewFrame("a", 1)
	f2, _ := NewFrame("b", 2)
	d1, _ := Encode(f1)
	d2, _ := Encode(f2)

	r := bytes.NewReader(append(append([]byte{}, d1...), d2...))
	scanner := NewScanner(r)

	var commands []string
	for scanner.Scan() {
		frame, err := Decode(scanner.Bytes())
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		commands = append(commands, frame.Command)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if len(commands) != 2 || commands[0] != "a" || commands[1] != "b" {
		t.Fatalf("commands = %v, want [a b]", commands)
	}
}

func TestScannerIgnoresResidueWithoutTerminator(t *testing.T) {
	r := bytes.NewReader([]byte(`{"version":0,"command":"incomplete"`))
	scanner := NewScanner(r)
	if scanner.Scan() {
		t.Fatalf("expected no complete record, got one")
	}
}
