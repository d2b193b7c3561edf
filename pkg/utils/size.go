package utils

import "fmt"

// Formats a byte count for human consumption, using binary units.
func HumanByteSize(byteSize int64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

	size := float64(byteSize)
	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	if unit == 0 {
		return fmt.Sprintf("%d %s", byteSize, units[unit])
	}
	return fmt.Sprintf("%.1f %s", size, units[unit])
}
