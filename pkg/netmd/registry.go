package netmd

// DeviceInfo describes one known NetMD recorder model: its USB identity and
// the capability flags that gate factory-mode patching and on-the-fly
// encoding. Entries are static and never mutated after init.
type DeviceInfo struct {
	VendorID      uint16
	ProductID     uint16
	Name          string
	PatchCapable  bool // gates factory-mode memory access
	NeedsAcquire  bool // Sharp-style acquire/release magic required
	OTFEncode     bool // supports on-the-fly LP2/LP4 encoding on upload
}

func packedID(vendor, product uint16) uint32 {
	return uint32(vendor)<<16 | uint32(product)
}

// registry maps packed (vendor, product) to device info. Sony Net MD Walkman
// and recorder models that exercise the secure-download and factory-mode
// paths are listed; Sharp-branded relabels are marked NeedsAcquire.
var registry = map[uint32]DeviceInfo{
	packedID(0x054c, 0x0034): {VendorID: 0x054c, ProductID: 0x0034, Name: "Sony MZ-N1", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x0036): {VendorID: 0x054c, ProductID: 0x0036, Name: "Sony NetMD Walkman", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x0075): {VendorID: 0x054c, ProductID: 0x0075, Name: "Sony MZ-N10", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x007c): {VendorID: 0x054c, ProductID: 0x007c, Name: "Sony MZ-N505", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x0080): {VendorID: 0x054c, ProductID: 0x0080, Name: "Sony MZ-N707", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x0081): {VendorID: 0x054c, ProductID: 0x0081, Name: "Sony MZ-N910", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x00c6): {VendorID: 0x054c, ProductID: 0x00c6, Name: "Sony MZ-N420D", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x00c7): {VendorID: 0x054c, ProductID: 0x00c7, Name: "Sony MZ-N710/NE810/NF810", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x00c8): {VendorID: 0x054c, ProductID: 0x00c8, Name: "Sony MZ-N920", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x00eb): {VendorID: 0x054c, ProductID: 0x00eb, Name: "Sony MZ-NE410/NF520D", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x0101): {VendorID: 0x054c, ProductID: 0x0101, Name: "Sony LAM-1", PatchCapable: false, OTFEncode: false},
	packedID(0x054c, 0x0113): {VendorID: 0x054c, ProductID: 0x0113, Name: "Sony MZ-NE810/NF810", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x013f): {VendorID: 0x054c, ProductID: 0x013f, Name: "Sony MZ-NF610", PatchCapable: true, OTFEncode: true},
	packedID(0x054c, 0x014c): {VendorID: 0x054c, ProductID: 0x014c, Name: "Sony MZ-NH600", PatchCapable: false, OTFEncode: false},
	packedID(0x054c, 0x017e): {VendorID: 0x054c, ProductID: 0x017e, Name: "Sony MZ-NH600D", PatchCapable: false, OTFEncode: false},
	packedID(0x054c, 0x0180): {VendorID: 0x054c, ProductID: 0x0180, Name: "Sony MZ-NH900", PatchCapable: false, OTFEncode: false},
	packedID(0x04dd, 0x7202): {VendorID: 0x04dd, ProductID: 0x7202, Name: "Sharp IM-MT880H", PatchCapable: false, NeedsAcquire: true},
	packedID(0x04dd, 0x9013): {VendorID: 0x04dd, ProductID: 0x9013, Name: "Sharp IM-DR80", PatchCapable: false, NeedsAcquire: true},
	packedID(0x04dd, 0x9014): {VendorID: 0x04dd, ProductID: 0x9014, Name: "Sharp IM-DR400/DR410", PatchCapable: false, NeedsAcquire: true},
}

// LookupDevice returns the static device-info record for the given USB
// vendor/product pair and reports whether it is known at all.
func LookupDevice(vendor, product uint16) (DeviceInfo, bool) {
	info, ok := registry[packedID(vendor, product)]
	return info, ok
}

// KnownDevices returns every registered device, in no particular order.
// USB enumeration does not use it; OpenSelect tests each candidate with
// LookupDevice.
func KnownDevices() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	return out
}
