package wire

import (
	"encoding/json"
	"strconv"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := "7"
	join := "3"
	payload, err := json.Marshal(map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	f := Frame{JoinSeq: &join, Seq: &seq, Topic: "room:1", Event: EventBroadcast, Payload: payload}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Topic != f.Topic || decoded.Event != f.Event {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	if decoded.Seq == nil || *decoded.Seq != seq {
		t.Fatalf("seq mismatch: got %v", decoded.Seq)
	}
	if decoded.JoinSeq == nil || *decoded.JoinSeq != join {
		t.Fatalf("join_seq mismatch: got %v", decoded.JoinSeq)
	}
	if string(decoded.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %s want %s", decoded.Payload, payload)
	}
}

func TestEncodeNullSeqAndJoinSeq(t *testing.T) {
	encoded, err := EncodeValue(nil, nil, "room:1", EventBroadcast, map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Seq != nil || decoded.JoinSeq != nil {
		t.Fatalf("expected nil seq/join_seq, got %v %v", decoded.Seq, decoded.JoinSeq)
	}
}

func TestDecodeRejectsNonArray(t *testing.T) {
	if _, err := Decode([]byte(`{"not":"an array"}`)); err == nil {
		t.Fatal("expected error decoding non-array frame")
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode([]byte(`[null, null, "t", "e"]`)); err == nil {
		t.Fatal("expected error decoding 4-element frame")
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte(`not json at all`)); err == nil {
		t.Fatal("expected error decoding invalid JSON")
	}
}

func TestSequenceAllocatorMonotonicDistinct(t *testing.T) {
	var a SequenceAllocator
	seen := make(map[string]bool)
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		s := a.Next()
		if seen[s] {
			t.Fatalf("sequence %q repeated", s)
		}
		seen[s] = true
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			t.Fatalf("parse sequence: %v", err)
		}
		if n <= prev {
			t.Fatalf("sequence not increasing: prev=%d got=%d", prev, n)
		}
		prev = n
	}
}
