package ipc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/erichhsun/resqued/internal/queue"
)

func TestPackUnpackStateRoundTrips(t *testing.T) {
	in := []OldWorker{
		{Pid: 101, Queue: "a"},
		{Pid: 202, Queue: "b"},
	}
	packed := PackState(in)
	out, rejected := UnpackState(packed)
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d entries, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("entry %d: expected %+v, got %+v", i, in[i], out[i])
		}
	}
}

func TestUnpackStateEmpty(t *testing.T) {
	out, rejected := UnpackState("")
	if out != nil || rejected != nil {
		t.Fatalf("expected nil/nil for empty input, got %v/%v", out, rejected)
	}
}

func TestUnpackStateRejectsLeadingPlus(t *testing.T) {
	out, rejected := UnpackState("+101|a")
	if len(out) != 0 {
		t.Fatalf("expected no accepted entries, got %v", out)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected one rejected entry, got %v", rejected)
	}
}

func TestUnpackStateSkipsMalformedKeepsRest(t *testing.T) {
	out, rejected := UnpackState("101|a||not-an-entry||202|b")
	if len(out) != 2 {
		t.Fatalf("expected 2 accepted entries, got %v", out)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected 1 rejected entry, got %v", rejected)
	}
}

func TestMessageRoundTripThroughScanner(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRunning(&buf); err != nil {
		t.Fatal(err)
	}
	if err := WriteStarted(&buf, 123, queue.Key("a")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFinished(&buf, 123); err != nil {
		t.Fatal(err)
	}

	sc := NewScanner(strings.NewReader(buf.String()))

	msg, ok, err := sc.Next()
	if err != nil || !ok || !msg.Running {
		t.Fatalf("expected RUNNING, got %+v ok=%v err=%v", msg, ok, err)
	}

	msg, ok, err = sc.Next()
	if err != nil || !ok || !msg.Started || msg.Pid != 123 || msg.Queue != "a" {
		t.Fatalf("expected started pid=123 queue=a, got %+v ok=%v err=%v", msg, ok, err)
	}

	msg, ok, err = sc.Next()
	if err != nil || !ok || !msg.Finished || msg.Pid != 123 {
		t.Fatalf("expected finished pid=123, got %+v ok=%v err=%v", msg, ok, err)
	}

	_, ok, err = sc.Next()
	if ok || err != nil {
		t.Fatalf("expected clean EOF, got ok=%v err=%v", ok, err)
	}
}

func TestParseLineRejectsGarbage(t *testing.T) {
	sc := NewScanner(strings.NewReader("garbage\n"))
	_, _, err := sc.Next()
	if err == nil {
		t.Fatal("expected error for unrecognized line")
	}
}
