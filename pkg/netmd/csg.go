package netmd

// Disc addresses on a NetMD UTOC are packed into 3 bytes as
//
//	cccccccc ccccccss ssssgggg
//
// A "group" is the smallest addressable unit (~11.6ms of mono audio, 212
// bytes). There are 11 groups per sector pair and 16 sector pairs per
// cluster, so one cluster spans 176 groups. Because a group can straddle
// the even/odd sector boundary within a pair, the packed sector's low bit
// is set whenever the group index within the pair exceeds 5.
const groupsPerSectorPair = 11
const groupsPerCluster = groupsPerSectorPair * 16 // 176

// packDiscAddress converts a linear group count into the packed 3-byte
// cluster/sector/group disc address.
func packDiscAddress(linear int) [3]byte {
	cluster := linear / groupsPerCluster
	rem := linear % groupsPerCluster
	sectorPair := rem / groupsPerSectorPair
	group := rem % groupsPerSectorPair

	sector := sectorPair * 2
	if group > 5 {
		sector |= 1
	}

	var addr [3]byte
	addr[0] = byte(cluster >> 6)
	addr[1] = byte((cluster<<2)&0xFC) | byte((sector>>4)&0x03)
	addr[2] = byte((sector<<4)&0xF0) | byte(group&0x0F)
	return addr
}

// unpackDiscAddress is the inverse of packDiscAddress: it returns the
// linear group count encoded by a packed 3-byte disc address.
func unpackDiscAddress(addr [3]byte) int {
	cluster := int(addr[0])<<6 | int(addr[1])>>2
	sector := int(addr[1]&0x03)<<4 | int(addr[2])>>4
	group := int(addr[2] & 0x0F)
	sectorPair := sector / 2
	return cluster*groupsPerCluster + sectorPair*groupsPerSectorPair + group
}

// sectorLowBitExpected reports whether the packed form of linear group n
// must have its sector low bit set, per the invariant
// (n mod groupsPerCluster) mod groupsPerSectorPair > 5.
func sectorLowBitExpected(linear int) bool {
	rem := linear % groupsPerCluster
	return rem%groupsPerSectorPair > 5
}

// groupMillis is the duration in milliseconds of one group of stereo
// audio; a mono group spans twice as long, so mono needs half as many
// groups for the same duration.
const groupMillis = 11.6

// groupsForMillis converts a duration to a group count, inverting the
// group-to-time conversion: stereo audio is addressed directly in groups
// of 11.6ms each, while mono audio doubles the effective group count for
// the same wall-clock duration, so it needs half as many groups.
func groupsForMillis(ms float64, stereo bool) int {
	perGroup := groupMillis
	if !stereo {
		perGroup *= 2
	}
	groups := ms / perGroup
	return int(groups + 0.5)
}
