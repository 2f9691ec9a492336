package netmd

import (
	"context"
	"testing"
)

// secureResp builds one secure envelope response body (without the
// leading status byte that appendExchange/appendReceiveOnly prepend):
// the fixed 9-byte header, the echoed sub-command, then data.
func secureResp(cmd byte, data []byte) []byte {
	b, err := Format(secureRespHeader+" %b %*", cmd, data)
	if err != nil {
		panic(err)
	}
	return b
}

// appendReceiveOnly appends the 2 canned Control() calls one ReceiveOnly
// makes: poll length, read response. payload includes its leading status
// byte.
func appendReceiveOnly(resps []cannedResp, payload []byte) []cannedResp {
	hdr := []byte{1, statusAccepted, byte(len(payload)), byte(len(payload) >> 8)}
	return append(resps,
		cannedResp{fill: hdr, n: 4},
		cannedResp{fill: payload, n: len(payload)},
	)
}

// sync4 is one immediately-successful wait_for_sync canned response.
func sync4() cannedResp {
	return cannedResp{fill: []byte{0, 0, 0, 0}, n: 4}
}

func TestSecureExchangeRoundTrip(t *testing.T) {
	var resps []cannedResp
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdEnterSession, nil)...))
	tr := &Transport{dev: &fakeUSB{resps: resps}}

	payload, err := secureExchange(context.Background(), tr, secCmdEnterSession, nil, statusAccepted)
	if err != nil {
		t.Fatalf("secureExchange: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %x, want empty", payload)
	}
}

func TestSecureExchangeEchoMismatch(t *testing.T) {
	var resps []cannedResp
	// Response echoes the wrong sub-command.
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdLeaveSession, nil)...))
	tr := &Transport{dev: &fakeUSB{resps: resps}}

	_, err := secureExchange(context.Background(), tr, secCmdEnterSession, nil, statusAccepted)
	if !IsCmdFailed(err) {
		t.Fatalf("expected ErrCmdFailed on echo mismatch, got %v", err)
	}
}

func TestSecureExchangeMalformedEnvelope(t *testing.T) {
	var resps []cannedResp
	resps = appendExchange(resps, []byte{statusAccepted, 0xAA, 0xBB})
	tr := &Transport{dev: &fakeUSB{resps: resps}}

	_, err := secureExchange(context.Background(), tr, secCmdEnterSession, nil, statusAccepted)
	if !IsCmdFailed(err) {
		t.Fatalf("expected ErrCmdFailed on malformed envelope, got %v", err)
	}
}

func TestSecureReceiveRoundTrip(t *testing.T) {
	var resps []cannedResp
	resps = appendReceiveOnly(resps, append([]byte{statusAccepted}, secureResp(secCmdSendTrack, []byte{0xde, 0xad})...))
	tr := &Transport{dev: &fakeUSB{resps: resps}}

	payload, err := secureReceive(context.Background(), tr, secCmdSendTrack, statusAccepted)
	if err != nil {
		t.Fatalf("secureReceive: %v", err)
	}
	if len(payload) != 2 || payload[0] != 0xde || payload[1] != 0xad {
		t.Fatalf("payload = %x, want de ad", payload)
	}
}

// TestRunUploadSequenceHappyPath scripts the full canned USB exchange for
// one track upload and checks the orchestration returns the assigned
// track number. It does not validate every outgoing byte; secureExchange
// and its envelope framing are covered directly above.
func TestRunUploadSequenceHappyPath(t *testing.T) {
	var resps []cannedResp

	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdLeaveSession, nil)...))
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdTrackProtection, nil)...))
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdEnterSession, nil)...))
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdSendKeyData, nil)...))

	deviceNonce := make([]byte, 8)
	for i := range deviceNonce {
		deviceNonce[i] = byte(0x10 + i)
	}
	nonceReply := append([]byte{0x00, 0x00, 0x00}, deviceNonce...)
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdSessionKey, nonceReply)...))

	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdSetupDownload, nil)...))
	resps = appendExchange(resps, append([]byte{statusInterim}, secureResp(secCmdSendTrack, nil)...))

	trackResp := []byte{0x00, 0x01, 0x00, 0x10, 0x01, 0x00, 0x07, 0x00}
	trackResp = append(trackResp, make([]byte, 10)...) // skipped bytes
	trackResp = append(trackResp, make([]byte, 32)...) // trailing UUID/content-id blob
	resps = appendReceiveOnly(resps, append([]byte{statusAccepted}, secureResp(secCmdSendTrack, trackResp)...))

	resps = append(resps, sync4()) // waitForSync before commit

	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdCommit, nil)...))

	resps = append(resps, sync4()) // waitForSync after commit

	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdSessionKey, nil)...)) // forget
	resps = appendExchange(resps, append([]byte{statusAccepted}, secureResp(secCmdLeaveSession, nil)...))

	tr := &Transport{dev: &fakeUSB{resps: resps}, out: &fakeOut{}}

	req := UploadRequest{
		Title:      "test track",
		WireFormat: WireFormatSP,
		DiscFormat: 0,
		Mono:       false,
		Data:       make([]byte, 152*4),
	}

	d := &Device{Transport: tr}
	track, err := d.runUploadSequence(context.Background(), tr, req)
	if err != nil {
		t.Fatalf("runUploadSequence: %v", err)
	}
	if track != 7 {
		t.Fatalf("track = %d, want 7", track)
	}
}
