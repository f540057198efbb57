package chain

import "time"

// SampleBlocks 在 [latest - window, latest] 内均匀取 samples 个区块号, 升序
func SampleBlocks(latest uint64, window time.Duration, blockTimeSeconds int64, samples int) []uint64 {
	if samples <= 0 || blockTimeSeconds <= 0 {
		return []uint64{latest}
	}

	span := uint64(int64(window.Seconds()) / blockTimeSeconds)
	if span > latest {
		span = latest
	}
	if samples == 1 || span == 0 {
		return []uint64{latest}
	}

	start := latest - span
	step := span / uint64(samples-1)
	if step == 0 {
		step = 1
	}

	blocks := make([]uint64, 0, samples)
	for b := start; b < latest && len(blocks) < samples-1; b += step {
		blocks = append(blocks, b)
	}
	return append(blocks, latest)
}
