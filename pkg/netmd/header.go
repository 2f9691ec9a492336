package netmd

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// unsetTrack marks a Group's Last field as absent (a single-track group,
// or the disc-title entry which never has a Last at all).
const unsetTrack = -1

// Group is one entry of the disc-header group model: either the disc
// title itself (ID 0, First 0, Last unset) or a named range of tracks.
type Group struct {
	ID    int
	First int
	Last  int // unsetTrack if absent
	Title string
}

func (g Group) empty() bool {
	return g.First == 0 && g.ID != 0
}

// DiscHeader is the structured, in-memory form of a NetMD disc header: an
// ordered list of groups with group 0 reserved for the disc title.
type DiscHeader struct {
	groups []Group
	nextID int
}

// NewDiscHeader returns an empty header containing only the (titleless)
// disc-title entry.
func NewDiscHeader() *DiscHeader {
	return &DiscHeader{
		groups: []Group{{ID: 0, First: 0, Last: unsetTrack}},
		nextID: 1,
	}
}

var headerEntryRe = regexp.MustCompile(`([0-9-]+);([^/]*)//`)

// ParseDiscHeader parses a wire-format disc-header string. A string with
// no "//" is treated as a bare disc title. Otherwise the pattern
// "([0-9-]+);([^/]*)//" is applied globally; the entry whose range starts
// at 0 is the disc title, the rest are groups. On any sanity-check
// failure the returned header is empty and the error wraps ErrHeaderInvalid.
func ParseDiscHeader(s string) (*DiscHeader, error) {
	if !strings.Contains(s, "//") {
		h := NewDiscHeader()
		h.groups[0].Title = s
		return h, nil
	}

	matches := headerEntryRe.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return NewDiscHeader(), fmt.Errorf("%w: no entries parsed from %q", ErrHeaderInvalid, s)
	}

	candidate := &DiscHeader{nextID: 1}
	sawTitle := false
	for _, m := range matches {
		first, last, err := parseTrackRange(m[1])
		if err != nil {
			return NewDiscHeader(), fmt.Errorf("%w: %v", ErrHeaderInvalid, err)
		}
		title := m[2]
		if first == 0 {
			candidate.groups = append(candidate.groups, Group{ID: 0, First: 0, Last: unsetTrack, Title: title})
			sawTitle = true
			continue
		}
		candidate.groups = append(candidate.groups, Group{ID: candidate.nextID, First: first, Last: last, Title: title})
		candidate.nextID++
	}
	if !sawTitle {
		candidate.groups = append(candidate.groups, Group{ID: 0, First: 0, Last: unsetTrack})
	}

	if err := candidate.sanityCheck(); err != nil {
		return NewDiscHeader(), fmt.Errorf("%w: %v", ErrHeaderInvalid, err)
	}
	return candidate, nil
}

func parseTrackRange(s string) (first, last int, err error) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		n, err1 := strconv.Atoi(s[:i])
		m, err2 := strconv.Atoi(s[i+1:])
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("bad range %q", s)
		}
		return n, m, nil
	}
	n, err1 := strconv.Atoi(s)
	if err1 != nil {
		return 0, 0, fmt.Errorf("bad track number %q", s)
	}
	return n, unsetTrack, nil
}

// Serialize renders the header back to wire form. If only the disc title
// is present, the bare title is emitted. Otherwise "0;title//" is
// followed by every non-empty group sorted ascending by First; groups
// with an unset First are never emitted.
func (h *DiscHeader) Serialize() string {
	var others []Group
	title := ""
	for _, g := range h.groups {
		if g.ID == 0 {
			title = g.Title
			continue
		}
		if g.First == unsetTrack {
			continue
		}
		others = append(others, g)
	}
	if len(others) == 0 {
		return title
	}

	sort.Slice(others, func(i, j int) bool { return others[i].First < others[j].First })

	var b strings.Builder
	fmt.Fprintf(&b, "0;%s//", title)
	for _, g := range others {
		if g.Last == unsetTrack {
			fmt.Fprintf(&b, "%d;%s//", g.First, g.Title)
		} else {
			fmt.Fprintf(&b, "%d-%d;%s//", g.First, g.Last, g.Title)
		}
	}
	return b.String()
}

// sanityCheck validates the invariants from the data model: the title
// entry has no Last; no non-empty group has Last < First; no non-empty
// group starts at or before the previous group's last occupied track
// (groups do not overlap and appear in ascending, non-touching order).
func (h *DiscHeader) sanityCheck() error {
	sorted := append([]Group(nil), h.groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		fi, fj := sorted[i].First, sorted[j].First
		if fi == unsetTrack {
			fi = 1 << 30
		}
		if fj == unsetTrack {
			fj = 1 << 30
		}
		return fi < fj
	})

	prevLast := -1
	for _, g := range sorted {
		if g.ID == 0 {
			if g.Last != unsetTrack {
				return fmt.Errorf("disc title entry must not have a last track")
			}
			continue
		}
		if g.First == unsetTrack {
			continue
		}
		last := g.Last
		if last == unsetTrack {
			last = g.First
		}
		if last < g.First {
			return fmt.Errorf("group %d: last %d < first %d", g.ID, last, g.First)
		}
		if g.First <= prevLast {
			return fmt.Errorf("group %d: first %d overlaps previous group ending at %d", g.ID, g.First, prevLast)
		}
		prevLast = last
	}
	return nil
}

// clone returns a deep copy suitable for a scratch mutation that may be
// discarded if it fails the sanity check.
func (h *DiscHeader) clone() *DiscHeader {
	return &DiscHeader{groups: append([]Group(nil), h.groups...), nextID: h.nextID}
}

func (h *DiscHeader) commit(scratch *DiscHeader) error {
	if err := scratch.sanityCheck(); err != nil {
		return fmt.Errorf("%w: %v", ErrHeaderInvalid, err)
	}
	h.groups = scratch.groups
	h.nextID = scratch.nextID
	return nil
}

// AddGroup creates a new empty group (no tracks assigned yet) with the
// given title and returns its stable ID.
func (h *DiscHeader) AddGroup(title string) (int, error) {
	scratch := h.clone()
	id := scratch.nextID
	scratch.nextID++
	scratch.groups = append(scratch.groups, Group{ID: id, First: unsetTrack, Last: unsetTrack, Title: title})
	if err := h.commit(scratch); err != nil {
		return 0, err
	}
	return id, nil
}

func (h *DiscHeader) indexOf(id int) int {
	for i, g := range h.groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}

// RenameGroup changes a group's title in place.
func (h *DiscHeader) RenameGroup(id int, title string) error {
	scratch := h.clone()
	i := scratch.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: no group %d", ErrInvalidParam, id)
	}
	scratch.groups[i].Title = title
	return h.commit(scratch)
}

// AddTrackToGroup extends or opens a group's range to include track n.
func (h *DiscHeader) AddTrackToGroup(id, track int) error {
	scratch := h.clone()
	i := scratch.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: no group %d", ErrInvalidParam, id)
	}
	g := &scratch.groups[i]
	if g.First == unsetTrack || track < g.First {
		g.First = track
	}
	last := g.Last
	if last == unsetTrack {
		last = g.First
	}
	if track > last {
		g.Last = track
	}
	return h.commit(scratch)
}

// RemoveTrackFromGroup shrinks a group's range by excluding track n,
// which must be at one of its current endpoints.
func (h *DiscHeader) RemoveTrackFromGroup(id, track int) error {
	scratch := h.clone()
	i := scratch.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: no group %d", ErrInvalidParam, id)
	}
	g := &scratch.groups[i]
	last := g.Last
	if last == unsetTrack {
		last = g.First
	}
	switch {
	case track == g.First && track == last:
		g.First, g.Last = unsetTrack, unsetTrack
	case track == g.First:
		g.First++
	case track == last:
		g.Last = last - 1
	default:
		return fmt.Errorf("%w: track %d not at an endpoint of group %d", ErrInvalidParam, track, id)
	}
	return h.commit(scratch)
}

// RemoveTrack deletes track n from whichever group owns it and shifts
// down First/Last of every group entirely above it, matching the device's
// renumbering behavior when a track is physically erased.
func (h *DiscHeader) RemoveTrack(track int) error {
	scratch := h.clone()
	for i := range scratch.groups {
		g := &scratch.groups[i]
		if g.ID == 0 || g.First == unsetTrack {
			continue
		}
		last := g.Last
		if last == unsetTrack {
			last = g.First
		}
		switch {
		case g.First > track:
			g.First--
			if g.Last != unsetTrack {
				g.Last--
			}
		case last == track && g.First == track:
			g.First, g.Last = unsetTrack, unsetTrack
		case last == track:
			g.Last = last - 1
		}
	}
	return h.commit(scratch)
}

// UngroupTrack removes track n from its group without renumbering any
// other track (the track becomes ungrouped, unlike RemoveTrack which
// models physical deletion).
func (h *DiscHeader) UngroupTrack(track int) error {
	id, ok := h.GetTrackGroup(track)
	if !ok {
		return nil
	}
	return h.RemoveTrackFromGroup(id, track)
}

// RemoveGroup deletes a group entirely; its tracks become ungrouped.
func (h *DiscHeader) RemoveGroup(id int) error {
	scratch := h.clone()
	i := scratch.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: no group %d", ErrInvalidParam, id)
	}
	scratch.groups = append(scratch.groups[:i], scratch.groups[i+1:]...)
	return h.commit(scratch)
}

// SetDiscTitle replaces the disc-title entry's title.
func (h *DiscHeader) SetDiscTitle(title string) error {
	return h.RenameGroup(0, title)
}

// GetTrackGroup returns the ID of the group containing track n, if any.
func (h *DiscHeader) GetTrackGroup(track int) (int, bool) {
	for _, g := range h.groups {
		if g.ID == 0 || g.First == unsetTrack {
			continue
		}
		last := g.Last
		if last == unsetTrack {
			last = g.First
		}
		if track >= g.First && track <= last {
			return g.ID, true
		}
	}
	return 0, false
}

// Groups returns a copy of every group including the disc-title entry.
func (h *DiscHeader) Groups() []Group {
	return append([]Group(nil), h.groups...)
}

// DiscTitle returns the disc-title entry's text.
func (h *DiscHeader) DiscTitle() string {
	for _, g := range h.groups {
		if g.ID == 0 {
			return g.Title
		}
	}
	return ""
}
