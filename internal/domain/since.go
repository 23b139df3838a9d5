package domain

// Since flags for transaction input lock times.
const (
	SinceFlagRelative      uint64 = 1 << 63
	SinceFlagBlockNumber   uint64 = 0
	SinceFlagEpochFraction uint64 = 1 << 61
	SinceFlagTimestamp     uint64 = 1 << 62
)

func SinceFromRelativeBlockNumber(n uint64) uint64 {
	return SinceFlagRelative | SinceFlagBlockNumber | n
}

func SinceFromAbsoluteBlockNumber(n uint64) uint64 {
	return SinceFlagBlockNumber | n
}

// SinceFromRelativeEpoch takes the packed epoch number with fraction as
// returned in Header.Epoch.
func SinceFromRelativeEpoch(epoch uint64) uint64 {
	return SinceFlagRelative | SinceFlagEpochFraction | epoch
}

func SinceFromAbsoluteEpoch(epoch uint64) uint64 {
	return SinceFlagEpochFraction | epoch
}

func SinceFromRelativeTimestamp(ts uint64) uint64 {
	return SinceFlagRelative | SinceFlagTimestamp | ts
}

func SinceFromAbsoluteTimestamp(ts uint64) uint64 {
	return SinceFlagTimestamp | ts
}

// EpochNumberWithFraction packs an epoch number, index and length the way
// headers carry them.
func EpochNumberWithFraction(number, index, length uint64) uint64 {
	return (length&0xffff)<<40 | (index&0xffff)<<24 | number&0xffffff
}
