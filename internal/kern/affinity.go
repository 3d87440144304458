package kern

import "math/bits"

// AffinityMask is a bitmap of cores.
type AffinityMask uint64

// Has reports whether core is in the mask.
func (m AffinityMask) Has(core int32) bool {
	return core >= 0 && core < 64 && m&(1<<uint(core)) != 0
}

// Set adds or removes core.
func (m *AffinityMask) Set(core int32, on bool) {
	if on {
		*m |= 1 << uint(core)
	} else {
		*m &^= 1 << uint(core)
	}
}

// Highest returns the highest-numbered core in the mask, or NoCore.
func (m AffinityMask) Highest() int32 {
	if m == 0 {
		return NoCore
	}
	return int32(63 - bits.LeadingZeros64(uint64(m)))
}

func (m AffinityMask) lowest() int32 {
	if m == 0 {
		return NoCore
	}
	return int32(bits.TrailingZeros64(uint64(m)))
}

// Count returns the number of cores in the mask.
func (m AffinityMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// AllCores returns the mask covering cores [0, n).
func AllCores(n int) AffinityMask {
	return AffinityMask(uint64(1)<<uint(n) - 1)
}
