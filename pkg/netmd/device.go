package netmd

// Fingerprint identifies the Sony firmware generation detected by the
// patch engine's fingerprint probe. Each recognized firmware code from
// R1.000 to S1.600 has its own value; any other code maps to
// FingerprintUnsupported, and FingerprintUnknown is the zero value.
type Fingerprint int

const (
	FingerprintUnknown Fingerprint = iota
	FingerprintR1000
	FingerprintR1100
	FingerprintR1200
	FingerprintR1300
	FingerprintR1400
	FingerprintS1000
	FingerprintS1100
	FingerprintS1200
	FingerprintS1300
	FingerprintS1400
	FingerprintS1500
	FingerprintS1600
	FingerprintUnsupported
)

func (f Fingerprint) String() string {
	switch f {
	case FingerprintR1000:
		return "R1.000"
	case FingerprintR1100:
		return "R1.100"
	case FingerprintR1200:
		return "R1.200"
	case FingerprintR1300:
		return "R1.300"
	case FingerprintR1400:
		return "R1.400"
	case FingerprintS1000:
		return "S1.000"
	case FingerprintS1100:
		return "S1.100"
	case FingerprintS1200:
		return "S1.200"
	case FingerprintS1300:
		return "S1.300"
	case FingerprintS1400:
		return "S1.400"
	case FingerprintS1500:
		return "S1.500"
	case FingerprintS1600:
		return "S1.600"
	case FingerprintUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// patchAddressFingerprints is the set of fingerprints the patch address table
// in patch.go carries entries for; only S1.2xx and above ship the
// SP-upload patch set in the original firmware dumps this was recovered
// from.
var patchAddressFingerprints = map[Fingerprint]bool{
	FingerprintS1200: true,
	FingerprintS1300: true,
	FingerprintS1400: true,
	FingerprintS1500: true,
	FingerprintS1600: true,
}

// HasPatchAddresses reports whether the fingerprint has entries in the
// patch address table, i.e. whether SP-upload patching is possible at all
// regardless of the device's PatchCapable registry flag.
func (f Fingerprint) HasPatchAddresses() bool {
	return patchAddressFingerprints[f]
}

// Device is a handle to one open NetMD recorder: the static registry
// info, the transport it was opened on, and the lazily-populated
// fingerprint/factory-mode state.
type Device struct {
	Info      DeviceInfo
	Transport *Transport

	fingerprint     Fingerprint
	fingerprintDone bool
	patch           *PatchEngine
}

// patchEngine lazily constructs the patch engine bound to this device's
// transport; the registry and any fingerprint already probed persist
// across calls for the lifetime of the Device.
func (d *Device) patchEngine() *PatchEngine {
	if d.patch == nil {
		d.patch = NewPatchEngine(d.Transport)
	}
	return d.patch
}
