package netmd

import "fmt"

// SessionState is the secure-session state machine described in the
// orchestration sequence: states advance only via their named commands,
// and any error aborts straight back to Idle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateInSession
	StateKeysLoaded
	StateSessionEstablished
	StateDownloadReady
	StateTrackWritten
	StateCommittedIdle
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInSession:
		return "InSession"
	case StateKeysLoaded:
		return "KeysLoaded"
	case StateSessionEstablished:
		return "SessionEstablished"
	case StateDownloadReady:
		return "DownloadReady"
	case StateTrackWritten:
		return "TrackWritten"
	case StateCommittedIdle:
		return "CommittedIdle"
	default:
		return "Unknown"
	}
}

// EKB is an enabling key block: a signed chain of keys the device
// validates before accepting a session key. The constants are embedded
// per-device-generation values; a production deployment uses the values
// reverse-engineered from the reference client.
type EKB struct {
	ID        uint32
	Depth     uint32
	Chain     []byte // 16-byte keys concatenated
	Signature []byte // 24 bytes
}

// FormatSendKeyData builds the wire payload for the "send key data"
// command: <data_len:u16-be> 00 00 <data_len:u16-be> 00 00
// <chain_len:u16-be> <depth:u32-be> <ekb_id:u32-be> 00 00 00 00 ||
// chain || signature. chain_len counts 16-byte keys, not bytes.
func (e EKB) FormatSendKeyData() ([]byte, error) {
	chainLen := uint16(len(e.Chain) / 16)
	dataLen := uint16(40 + len(e.Chain))
	return Format("%>w 00 00 %>w 00 00 %>w %>d %>d 00 00 00 00 %*",
		dataLen, dataLen, chainLen, e.Depth, e.ID, append(append([]byte{}, e.Chain...), e.Signature...))
}

// Session tracks one secure-download state machine instance alongside
// the cryptographic material accumulated along the way.
type Session struct {
	State SessionState

	RootKey    []byte // 16 bytes, embedded constant
	HostNonce  []byte
	DeviceNonce []byte
	SessionKey []byte

	KEK       []byte // 8 bytes, embedded constant
	ContentID []byte // 20 bytes, embedded constant

	AssignedTrack uint16
}

// NewSession constructs a session pinned to the given root key, KEK and
// content ID (the orchestration's embedded constants).
func NewSession(rootKey, kek, contentID []byte) *Session {
	return &Session{State: StateIdle, RootKey: rootKey, KEK: kek, ContentID: contentID}
}

func (s *Session) requireState(want SessionState) error {
	if s.State != want {
		return fmt.Errorf("%w: expected state %s, got %s", ErrCmdInvalid, want, s.State)
	}
	return nil
}

// Enter transitions Idle -> InSession.
func (s *Session) Enter() error {
	if err := s.requireState(StateIdle); err != nil {
		return err
	}
	s.State = StateInSession
	return nil
}

// SendEKB transitions InSession -> KeysLoaded after the caller has
// transmitted ekb.FormatSendKeyData() to the device and received an
// accepted status.
func (s *Session) SendEKB(ekb EKB) error {
	if err := s.requireState(StateInSession); err != nil {
		return err
	}
	s.State = StateKeysLoaded
	return nil
}

// ExchangeNonces transitions KeysLoaded -> SessionEstablished: it
// generates a host nonce, accepts the device's returned nonce, and
// derives the session key via retailMAC.
func (s *Session) ExchangeNonces(deviceNonce []byte) error {
	if err := s.requireState(StateKeysLoaded); err != nil {
		return err
	}
	hostNonce, err := randomBytes(8)
	if err != nil {
		s.Abort()
		return err
	}
	sessionKey, err := retailMAC(s.RootKey, hostNonce, deviceNonce)
	if err != nil {
		s.Abort()
		return err
	}
	s.HostNonce = hostNonce
	s.DeviceNonce = append([]byte{}, deviceNonce...)
	s.SessionKey = sessionKey
	s.State = StateSessionEstablished
	return nil
}

// SetupDownloadPayload builds the setup-download command's plaintext
// (01 01 01 01 || content_id[20] || KEK[8]) and encrypts it with DES-CBC
// under the session key and a zero IV, per the orchestration's
// content-ID/KEK wrap step. On success the caller advances the state
// with MarkDownloadReady once the device accepts the command.
func (s *Session) SetupDownloadPayload() ([]byte, error) {
	if err := s.requireState(StateSessionEstablished); err != nil {
		return nil, err
	}
	plain, err := Format("01010101 %* %*", s.ContentID, s.KEK)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, 8)
	return desCBCEncrypt(s.SessionKey, iv, plain)
}

// MarkDownloadReady transitions SessionEstablished -> DownloadReady
// after the device has accepted the setup-download command.
func (s *Session) MarkDownloadReady() error {
	if err := s.requireState(StateSessionEstablished); err != nil {
		return err
	}
	s.State = StateDownloadReady
	return nil
}

// SendTrackHeader builds the send-track command payload:
// 00 01 00 10 01 FF FF 00 <wire_fmt:u8> <disc_fmt:u8> <frames:u32-be>
// <total_bytes:u32-be>.
func SendTrackHeader(wireFormat, discFormat byte, frames, totalBytes uint32) ([]byte, error) {
	return Format("00 01 00 10 01 ff ff 00 %b %b %>d %>d", wireFormat, discFormat, frames, totalBytes)
}

// MarkTrackWritten transitions DownloadReady -> TrackWritten once the
// bulk transfer completed and the device's recv reply carried the
// assigned track number.
func (s *Session) MarkTrackWritten(assignedTrack uint16) error {
	if err := s.requireState(StateDownloadReady); err != nil {
		return err
	}
	s.AssignedTrack = assignedTrack
	s.State = StateTrackWritten
	return nil
}

// CommitPayload builds the commit command's payload:
// 00 10 01 <track:u16-be> <mac:8>, where mac is DES-ECB of an all-zero
// block under the session key.
func (s *Session) CommitPayload() ([]byte, error) {
	if err := s.requireState(StateTrackWritten); err != nil {
		return nil, err
	}
	mac, err := desECBEncrypt(s.SessionKey, make([]byte, 8))
	if err != nil {
		return nil, err
	}
	return Format("001001 %>w %*", s.AssignedTrack, mac)
}

// MarkCommitted transitions TrackWritten -> CommittedIdle after the
// device accepts the commit command.
func (s *Session) MarkCommitted() error {
	if err := s.requireState(StateTrackWritten); err != nil {
		return err
	}
	s.State = StateCommittedIdle
	return nil
}

// ForgetAndLeave transitions CommittedIdle -> Idle, clearing the
// session-derived key material.
func (s *Session) ForgetAndLeave() error {
	if err := s.requireState(StateCommittedIdle); err != nil {
		return err
	}
	s.HostNonce = nil
	s.DeviceNonce = nil
	s.SessionKey = nil
	s.State = StateIdle
	return nil
}

// Abort aborts the session unconditionally back to Idle, as required on
// any error per the orchestration ("any error aborts to Idle").
func (s *Session) Abort() {
	s.HostNonce = nil
	s.DeviceNonce = nil
	s.SessionKey = nil
	s.State = StateIdle
}
