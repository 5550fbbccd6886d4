package ipc

import (
	"bytes"
	"strings"
	"testing"
)

func TestPeerGoneRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePeerGone(&buf, 42); err != nil {
		t.Fatal(err)
	}
	if err := WritePeerGone(&buf, 43); err != nil {
		t.Fatal(err)
	}

	r := NewPeerGoneReader(strings.NewReader(buf.String()))
	pid, ok, err := r.Next()
	if err != nil || !ok || pid != 42 {
		t.Fatalf("expected pid=42, got %d ok=%v err=%v", pid, ok, err)
	}
	pid, ok, err = r.Next()
	if err != nil || !ok || pid != 43 {
		t.Fatalf("expected pid=43, got %d ok=%v err=%v", pid, ok, err)
	}
	_, ok, err = r.Next()
	if ok || err != nil {
		t.Fatalf("expected EOF, got ok=%v err=%v", ok, err)
	}
}
