/*
Package netmd drives Sony NetMD portable MiniDisc recorders over USB.

It speaks the proprietary AV/C-derived NetMD command protocol, performs the
authenticated secure-download handshake the recorder requires before it will
accept new audio, and, on supported Sony firmware, can inject runtime
firmware patches that unlock uncompressed (SP/ATRAC1) audio upload and
direct rewriting of the on-disc table of contents (UTOC).

# Layers

The package is organized leaves-first:

  - codec.go, bytesutil.go: pure byte-stream helpers with no I/O.
  - registry.go: static (vendor, product) -> device-info lookup.
  - transport.go: USB enumeration, control/bulk transfer, response polling.
  - hotplug.go: polling hot-plug watcher over the USB device list.
  - header.go: the legacy disc-title/group header string model.
  - csg.go, toc.go: UTOC sector layout and disc-address arithmetic.
  - patch.go: firmware-patch table and factory-mode memory access.
  - crypto.go, session.go, packetizer.go: the secure-download state machine.
  - device.go, facade.go: device identity and high-level orchestration.
  - wav.go: RIFF/WAV and raw-ATRAC1 ingestion for the upload pipeline.

# Secure download

Before the device accepts a track it requires an EKB install, a nonce
exchange that derives a session key, and a wrapped content key. See
[Session] and the states listed under [SessionState].

# Firmware patches

Patchable Sony devices are identified by a "fingerprint" probed from
factory-mode memory. [PatchEngine] applies and undoes byte patches at
fingerprint-specific addresses; see [PatchEngine.ApplySPUpload] and
[PatchEngine.UndoSPUpload].

# Errors

Every exported operation that can fail returns one of the typed errors in
errors.go wrapped with context, never a bare negative status code. Neither
this package nor the cmd/ tools translate errors to the historical
C-library convention (negative integer on failure); the tools log the
error and exit with a non-zero status.
*/
package netmd
