package netmd

import (
	"context"
	"errors"
	"testing"
)

func TestReadDiscHeaderStringAccumulatesChunks(t *testing.T) {
	first := make([]byte, 31)
	first[15], first[16] = 0x00, 0x0c // chunk size field: 6 data bytes + 6
	first[23], first[24] = 0x00, 0x0a // total length: 10
	copy(first[25:], []byte("ABCDEF"))

	second := make([]byte, 19)
	copy(second[15:], []byte("GHIJ"))

	var resps []cannedResp
	resps = appendExchange(resps, []byte{statusAccepted}) // open read (audio contents)
	resps = appendExchange(resps, append([]byte{statusAccepted}, first...))
	resps = appendExchange(resps, append([]byte{statusAccepted}, second...))

	tr := &Transport{dev: &fakeUSB{resps: resps}}

	got, err := ReadDiscHeaderString(context.Background(), tr)
	if err != nil {
		t.Fatalf("ReadDiscHeaderString: %v", err)
	}
	if got != "ABCDEFGHIJ" {
		t.Fatalf("got %q, want %q", got, "ABCDEFGHIJ")
	}
}

func TestWriteDiscHeaderStringSuccess(t *testing.T) {
	var resps []cannedResp
	resps = appendExchange(resps, []byte{statusAccepted}) // open read
	resps = appendExchange(resps, []byte{statusAccepted}) // close
	resps = appendExchange(resps, []byte{statusAccepted}) // open write
	resps = appendExchange(resps, []byte{statusAccepted}) // write command
	resps = appendExchange(resps, []byte{statusAccepted}) // close (deferred)

	tr := &Transport{dev: &fakeUSB{resps: resps}}
	if err := WriteDiscHeaderString(context.Background(), tr, "new title", 3); err != nil {
		t.Fatalf("WriteDiscHeaderString: %v", err)
	}
}

func TestWriteDiscHeaderStringStaleLengthMismatch(t *testing.T) {
	var resps []cannedResp
	resps = appendExchange(resps, []byte{statusAccepted}) // open read
	resps = appendExchange(resps, []byte{statusAccepted}) // close
	resps = appendExchange(resps, []byte{statusAccepted}) // open write
	resps = appendExchange(resps, []byte{statusRejected})  // write command rejected
	resps = appendExchange(resps, []byte{statusAccepted}) // close (deferred, still runs)

	tr := &Transport{dev: &fakeUSB{resps: resps}}
	err := WriteDiscHeaderString(context.Background(), tr, "new title", 3)
	if !errors.Is(err, ErrHeaderStale) {
		t.Fatalf("expected ErrHeaderStale, got %v", err)
	}
}
