package netmd

import (
	"fmt"
	"strings"
	"time"
)

// Track mode flags, one byte per fragment. Bit 3 is unused and must stay
// clear for normal audio fragments.
const (
	ModePreEmphasis = 1 << 0
	ModeStereo      = 1 << 1
	ModeSPMode      = 1 << 2
	ModeAudio       = 1 << 4
	ModeSCMSCopy    = 1 << 5
	ModeSCMSUnrestr = 1 << 6
	ModeWriteEnable = 1 << 7

	// DefaultTrackMode is applied to every newly written fragment: stereo,
	// SP, audio-present, SCMS unlimited-copy, writable.
	DefaultTrackMode = ModeStereo | ModeSPMode | ModeAudio | ModeSCMSCopy | ModeSCMSUnrestr | ModeWriteEnable
)

const (
	utocSectorSize  = 2352
	utocPayloadSize = 2336
	utocPreamble    = utocSectorSize - utocPayloadSize // 16
	utocTotalSize   = 3 * utocSectorSize

	// Sector 0 (tracks) payload offsets.
	offTracksFreeSlot = 0x1f
	offTracksMap      = 0x20
	offTracksFragList = 0x120
	fragmentSize      = 8 // start(3) mode(1) end(3) link(1)

	// Sector 1 (titles) payload offsets.
	offTitlesFreeSlot = 0x1f
	offTitlesMap      = 0x20
	offTitlesList     = 0x120
	titleCellSize     = 8 // 7-byte ASCII + link

	// Sector 2 (timestamps) payload offsets.
	offTimesFreeSlot = 0x1f
	offTimesMap      = 0x20
	offTimesList     = 0x120
	timestampSize    = 8 // y,mo,d,h,m,s + 2-byte signature
)

// TOC is an in-place view over the caller-supplied 7,056-byte UTOC buffer
// (three concatenated 2,352-byte sectors: tracks, titles, timestamps).
// Every mutator writes directly into the backing buffer; the caller is
// responsible for writing the three sectors back to the device.
type TOC struct {
	buf []byte

	tracksCount int
	lengthMs    uint32
	audioStart  int
	audioEnd    int
	curPos      int
	daoTrack    int
}

func sectorPayload(buf []byte, sector int) []byte {
	start := sector*utocSectorSize + utocPreamble
	return buf[start : start+utocPayloadSize]
}

// NewTOC allocates a zeroed 7,056-byte UTOC buffer, suitable for building a
// fresh disc layout from scratch.
func NewTOC() *TOC {
	return &TOC{buf: make([]byte, utocTotalSize)}
}

// Buffer returns the backing 7,056-byte buffer for writing back to the
// device, sector by sector.
func (t *TOC) Buffer() []byte { return t.buf }

func (t *TOC) tracksPayload() []byte { return sectorPayload(t.buf, 0) }
func (t *TOC) titlesPayload() []byte { return sectorPayload(t.buf, 1) }
func (t *TOC) timesPayload() []byte  { return sectorPayload(t.buf, 2) }

func (t *TOC) fragmentAt(i int) []byte {
	p := t.tracksPayload()
	off := offTracksFragList + i*fragmentSize
	return p[off : off+fragmentSize]
}

func fragmentStart(f []byte) int { return unpackDiscAddress([3]byte{f[0], f[1], f[2]}) }
func fragmentEnd(f []byte) int   { return unpackDiscAddress([3]byte{f[4], f[5], f[6]}) }
func setFragmentStart(f []byte, groups int) {
	a := packDiscAddress(groups)
	copy(f[0:3], a[:])
}
func setFragmentEnd(f []byte, groups int) {
	a := packDiscAddress(groups)
	copy(f[4:7], a[:])
}

func (t *TOC) titleCellAt(i int) []byte {
	p := t.titlesPayload()
	off := offTitlesList + i*titleCellSize
	return p[off : off+titleCellSize]
}

// Import loads an existing on-disc UTOC buffer (a DAO-transferred disc
// with a single audio track spanning trackCount fragments' worth of
// tracks). It records the DAO track's first fragment's start/end as the
// audio extent to be split by subsequent AddTrack calls, and positions
// the write cursor at the extent's start.
func (t *TOC) Import(trackCount int, totalLengthMs uint32, buf []byte) error {
	if len(buf) != utocTotalSize {
		return fmt.Errorf("%w: UTOC buffer must be %d bytes, got %d", ErrInvalidParam, utocTotalSize, len(buf))
	}
	t.buf = buf
	t.tracksCount = trackCount
	t.lengthMs = totalLengthMs

	tp := t.tracksPayload()
	t.daoTrack = int(tp[0x0f])

	fragNo := int(tp[offTracksMap+t.daoTrack])
	frag := t.fragmentAt(fragNo)
	t.audioStart = fragmentStart(frag)
	t.audioEnd = fragmentEnd(frag)
	t.curPos = t.audioStart
	return nil
}

func (t *TOC) usedFragmentSlots() map[int]bool {
	used := map[int]bool{}
	tp := t.tracksPayload()
	last := t.tracksCount
	if n := int(tp[0x0f]); n > last {
		last = n
	}
	for i := 0; i <= last; i++ {
		link := int(tp[offTracksMap+i])
		for {
			used[link] = true
			next := int(t.fragmentAt(link)[7])
			if next == 0 {
				break
			}
			link = next
		}
	}
	return used
}

// nextFreeTrackFragment returns the lowest fragment slot (1..255) not
// reachable from any track's fragment chain; slot 0 is never free.
// Optionally zeroes every other currently-unused slot.
func (t *TOC) nextFreeTrackFragment(cleanup bool) int {
	used := t.usedFragmentSlots()
	free := -1
	for i := 1; i <= 255; i++ {
		if used[i] {
			continue
		}
		if free == -1 {
			free = i
		}
		if cleanup {
			clear8(t.fragmentAt(i))
		}
	}
	return free
}

func (t *TOC) usedTitleSlots() map[int]bool {
	used := map[int]bool{}
	tp := t.titlesPayload()
	last := t.tracksCount
	if n := t.TrackCount(); n > last {
		last = n
	}
	for i := 0; i <= last; i++ {
		link := int(tp[offTitlesMap+i])
		for {
			used[link] = true
			next := int(t.titleCellAt(link)[7])
			if next == 0 {
				break
			}
			link = next
		}
	}
	return used
}

// nextFreeTitleCell returns the lowest title cell slot (1..255) not
// reachable from any track's title chain; slot 0 is reserved for the
// disc title. Optionally zeroes every other currently-unused cell.
func (t *TOC) nextFreeTitleCell(cleanup bool) int {
	used := t.usedTitleSlots()
	free := -1
	for i := 1; i <= 255; i++ {
		if used[i] {
			continue
		}
		if free == -1 {
			free = i
		}
		if cleanup {
			clear8(t.titleCellAt(i))
		}
	}
	return free
}

func clear8(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// freeTitle walks the title chain rooted at track no's map entry and
// zeroes every cell in it, returning the titles payload's map-of-used
// slots to its pre-allocation state.
func (t *TOC) freeTitle(trackNo int) {
	tp := t.titlesPayload()
	link := int(tp[offTitlesMap+trackNo])
	for link != 0 {
		cell := t.titleCellAt(link)
		next := int(cell[7])
		clear8(cell)
		link = next
	}
}

// SetTrackTitle splits title into 7-byte cells chained via each cell's
// link-to-next byte, and points track no's map entry at the head cell.
// For the DAO track, previously-linked cells are freed first.
func (t *TOC) SetTrackTitle(no int, title string) {
	tp := t.titlesPayload()
	if no == t.daoTrack {
		t.freeTitle(no)
		tp[offTitlesFreeSlot] = byte(t.nextFreeTitleCell(true))
	}

	tp[offTitlesMap+no] = tp[offTitlesFreeSlot]

	for sz := 0; sz < len(title); sz += 7 {
		i := int(tp[offTitlesFreeSlot])
		cell := t.titleCellAt(i)
		end := sz + 7
		if end > len(title) {
			end = len(title)
		}
		clear8(cell)
		copy(cell[0:7], title[sz:end])

		tp[offTitlesFreeSlot] = byte(t.nextFreeTitleCell(false))

		if end < len(title) {
			cell[7] = tp[offTitlesFreeSlot]
		} else {
			cell[7] = 0
		}
	}
}

// SetDiscTitle writes the disc title into cell 0's chain, which is
// reserved and never considered by nextFreeTitleCell.
func (t *TOC) SetDiscTitle(title string) {
	tp := t.titlesPayload()
	t.freeTitle(0)
	tp[offTitlesMap+0] = 0
	i := 0
	for sz := 0; sz < len(title); sz += 7 {
		cell := t.titleCellAt(i)
		end := sz + 7
		if end > len(title) {
			end = len(title)
		}
		clear8(cell)
		copy(cell[0:7], title[sz:end])
		tp[offTitlesFreeSlot] = byte(t.nextFreeTitleCell(false))

		if end < len(title) {
			cell[7] = tp[offTitlesFreeSlot]
		} else {
			cell[7] = 0
		}
		i = int(tp[offTitlesFreeSlot])
	}
}

func (t *TOC) setTrackTimestamp(no int, ts Timestamp) {
	tm := t.timesPayload()
	tm[offTimesMap+no] = byte(no)
	off := offTimesList + no*timestampSize
	tm[off+0] = ts.Year
	tm[off+1] = ts.Month
	tm[off+2] = ts.Day
	tm[off+3] = ts.Hour
	tm[off+4] = ts.Minute
	tm[off+5] = ts.Second
	putBE(tm[off+6:off+8], uint64(ts.Signature), 2)
	tm[offTimesFreeSlot] = byte(no + 1)
}

// Timestamp is a UTOC timestamp cell: Y/M/D/h/m/s stored as hex-printable
// BCD-like bytes (the hex digits print as the decimal value), plus a
// 16-bit machine signature.
type Timestamp struct {
	Year, Month, Day, Hour, Minute, Second byte
	Signature                              uint16
}

// NewTimestamp packs t into a UTOC timestamp cell's BCD-like encoding
// (year mod 100, so 2026 packs as 0x26). signature is the recorder's
// machine ID field; callers splitting a track they just uploaded can
// pass 0.
func NewTimestamp(t time.Time, signature uint16) Timestamp {
	return Timestamp{
		Year:      bcdByte(t.Year() % 100),
		Month:     bcdByte(int(t.Month())),
		Day:       bcdByte(t.Day()),
		Hour:      bcdByte(t.Hour()),
		Minute:    bcdByte(t.Minute()),
		Second:    bcdByte(t.Second()),
		Signature: signature,
	}
}

// AddTrack splits the imported DAO fragment for split n (1-indexed, must
// be called once per split in increasing order). The new fragment's
// length is budgeted as ceil(lengthMs / totalLengthMs * totalGroups)
// groups; the first call narrows the existing fragment's end, subsequent
// calls allocate a fresh fragment, and the final call clamps its end to
// the recorded audio-extent end to absorb rounding.
func (t *TOC) AddTrack(no int, lengthMs uint32, title string, ts Timestamp) error {
	if t.buf == nil {
		return fmt.Errorf("%w: TOC not imported", ErrInvalidParam)
	}

	allGroups := float64(t.audioEnd - t.audioStart)
	trackGroups := float64(lengthMs) * allGroups / float64(t.lengthMs)
	currTrack := t.daoTrack + no - 1

	tp := t.tracksPayload()
	var fragNo int
	if no == 1 {
		fragNo = int(tp[offTracksMap+currTrack])
	} else {
		fragNo = t.nextFreeTrackFragment(false)
		if fragNo < 0 {
			return fmt.Errorf("%w: no free track fragment", ErrTocFull)
		}
	}

	tp[0x0f] = byte(currTrack)
	tp[offTracksMap+currTrack] = byte(fragNo)

	frag := t.fragmentAt(fragNo)
	frag[3] = DefaultTrackMode
	frag[7] = 0

	switch {
	case no == 1:
		t.curPos += ceilInt(trackGroups) - 1
		setFragmentEnd(frag, t.curPos)
	case no == t.tracksCount:
		// next address only, the cursor itself does not advance here
		setFragmentStart(frag, t.curPos+1)
		setFragmentEnd(frag, t.audioEnd)
	default:
		setFragmentStart(frag, t.curPos+1)
		t.curPos += ceilInt(trackGroups)
		setFragmentEnd(frag, t.curPos)
	}

	t.SetTrackTitle(currTrack, title)
	t.setTrackTimestamp(currTrack, ts)

	cleanup := no == 1
	if free := t.nextFreeTrackFragment(cleanup); free >= 0 {
		tp[offTracksFreeSlot] = byte(free)
	} else {
		return fmt.Errorf("%w: no free track fragment after split", ErrTocFull)
	}
	return nil
}

func ceilInt(f float64) int {
	i := int(f)
	if float64(i) < f {
		i++
	}
	return i
}

// TrackCount returns the number of tracks currently recorded in sector 0.
func (t *TOC) TrackCount() int {
	return int(t.tracksPayload()[0x0f])
}

// TrackTitle walks the title chain for track no and reconstructs the
// concatenated string, stopping each cell's contribution at its first NUL.
func (t *TOC) TrackTitle(no int) string {
	tp := t.titlesPayload()
	cell := int(tp[offTitlesMap+no])
	var b strings.Builder
	for {
		c := t.titleCellAt(cell)
		for i := 0; i < 7; i++ {
			if c[i] == 0 {
				break
			}
			b.WriteByte(c[i])
		}
		cell = int(c[7])
		if cell == 0 {
			break
		}
	}
	return b.String()
}

// DiscTitle returns the disc title, chained from cell 0.
func (t *TOC) DiscTitle() string { return t.TrackTitle(0) }

// FragmentInfo describes one link in a track's fragment chain, exposed
// for read-only queries.
type FragmentInfo struct {
	Index      int
	Start, End int
	Mode       byte
}

// TrackInfo returns every fragment in track no's chain, in link order.
func (t *TOC) TrackInfo(no int) []FragmentInfo {
	tp := t.tracksPayload()
	frag := int(tp[offTracksMap+no])
	var out []FragmentInfo
	for {
		f := t.fragmentAt(frag)
		out = append(out, FragmentInfo{
			Index: frag,
			Start: fragmentStart(f),
			End:   fragmentEnd(f),
			Mode:  f[3],
		})
		frag = int(f[7])
		if frag == 0 {
			break
		}
	}
	return out
}

// DiscInfo summarizes sector 0's header fields for diagnostics.
type DiscInfo struct {
	Title        string
	TrackCount   int
	NextFreeSlot int
}

func (t *TOC) Info() DiscInfo {
	tp := t.tracksPayload()
	return DiscInfo{
		Title:        t.DiscTitle(),
		TrackCount:   int(tp[0x0f]),
		NextFreeSlot: int(tp[offTracksFreeSlot]),
	}
}
