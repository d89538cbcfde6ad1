package inspect

import (
	"fmt"
)

const (
	kib = 1 << (10 * (iota + 1))
	mib
	gib
	tib
)

// HumanateBytes formats a mapping size for display in binary units.
func HumanateBytes(s uint64) string {
	switch {
	case s < kib:
		return fmt.Sprintf("%dB", s)
	case s < mib:
		return fmt.Sprintf("%.2fKB", float64(s)/kib)
	case s < gib:
		return fmt.Sprintf("%.2fMB", float64(s)/mib)
	case s < tib:
		return fmt.Sprintf("%.2fGB", float64(s)/gib)
	}
	return fmt.Sprintf("%.2fTB", float64(s)/tib)
}
