package message

import (
	"errors"
	"fmt"
	"testing"

	"go.klb.dev/clipkeep/internal/apperr"
)

func TestFailRoundTrip(t *testing.T) {
	resp := Fail(fmt.Errorf("snippets: move %q: %w", "f1", apperr.ErrCycleDetected))
	raw, err := Encode(resp)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.OK || got.Code != apperr.CodeCycleDetected {
		t.Fatalf("decoded = %+v", got)
	}
	if err := got.Err(); !errors.Is(err, apperr.ErrCycleDetected) {
		t.Fatalf("Err() = %v, want ErrCycleDetected", err)
	}
}

func TestOKResponseHasNoError(t *testing.T) {
	if err := (&Response{OK: true, Warning: "pending"}).Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
}

func TestEditBodyPresence(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"op":"snippet.edit","id":"s1","name":"T"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Op != OpSnippetEdit || req.Body != nil {
		t.Fatalf("request = %+v", req)
	}

	req, err = DecodeRequest([]byte(`{"op":"snippet.edit","id":"s1","body":""}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Body == nil || *req.Body != "" {
		t.Fatalf("empty body lost: %+v", req)
	}

	if _, err := DecodeRequest([]byte(`{"op":`)); err == nil {
		t.Fatal("truncated request decoded")
	}
}
