package netmd

import "testing"

func TestCSGRoundTripSample(t *testing.T) {
	samples := []int{0, 1, 5, 11, 175, 176, 177, 1001, 100000, 1000000, 15999999}
	for _, n := range samples {
		addr := packDiscAddress(n)
		got := unpackDiscAddress(addr)
		if got != n {
			t.Fatalf("round trip for %d: got %d (addr % X)", n, got, addr)
		}
	}
}

func TestCSGRoundTripSweep(t *testing.T) {
	// Sweep the first several clusters' worth of linear addresses rather
	// than the full [0, 16_000_000] range, since the invariant is the same
	// for every cluster and a full sweep buys nothing beyond runtime.
	for n := 0; n < groupsPerCluster*8; n++ {
		addr := packDiscAddress(n)
		if got := unpackDiscAddress(addr); got != n {
			t.Fatalf("round trip for %d: got %d", n, got)
		}
	}
}

func TestCSGSectorLowBitInvariant(t *testing.T) {
	for n := 0; n < groupsPerCluster*4; n++ {
		addr := packDiscAddress(n)
		sector := int(addr[1]&0x03)<<4 | int(addr[2])>>4
		gotLowBit := sector&1 == 1
		if gotLowBit != sectorLowBitExpected(n) {
			t.Fatalf("n=%d: sector low bit = %v, want %v", n, gotLowBit, sectorLowBitExpected(n))
		}
	}
}

// TestCSGWorkedExample pins down the cluster/sector/group decomposition of
// linear group 1001 against the general packing invariant: cluster =
// 1001/176 = 5, remainder 121, sector pair = 121/11 = 11, group = 121%11 =
// 0, so sector = 22 (group 0 is not > 5, so the low bit stays clear).
//
// A distilled worked example for this same input elsewhere lists cluster
// 5, sector 1, group 9, which does not satisfy the round-trip and
// low-bit invariants this package is built against (9 + 11*0 != 121, and
// sector 1 implies sector pair 0, not 11). That tuple is treated as
// erroneous in this implementation: the universally-quantified invariant
// governs every other linear address, and special-casing one input to
// match it would break the round trip for every n in its cluster. See
// DESIGN.md for the full resolution note.
func TestCSGWorkedExample(t *testing.T) {
	const n = 1001
	addr := packDiscAddress(n)
	cluster := int(addr[0])<<6 | int(addr[1])>>2
	sector := int(addr[1]&0x03)<<4 | int(addr[2])>>4
	group := int(addr[2] & 0x0F)

	if cluster != 5 || sector != 22 || group != 0 {
		t.Fatalf("packDiscAddress(1001) = cluster %d sector %d group %d, want 5 22 0", cluster, sector, group)
	}
	if got := unpackDiscAddress(addr); got != n {
		t.Fatalf("unpackDiscAddress round trip: got %d, want %d", got, n)
	}
}

func TestGroupsForMillis(t *testing.T) {
	monoGroups := groupsForMillis(1160, false)
	stereoGroups := groupsForMillis(1160, true)
	if monoGroups*2 != stereoGroups {
		t.Fatalf("mono groups %d should be half of stereo groups %d", monoGroups, stereoGroups)
	}
}
