package audit

import (
	"math"
	"strconv"
)

var byteUnits = []string{"B", "KB", "MB", "GB"}

// FormatBytes renders a byte count in base-1024 units rounded to two decimals,
// for example "0 B", "1.5 KB" or "2 MB".
func FormatBytes(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	unit := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if unit >= len(byteUnits) {
		unit = len(byteUnits) - 1
	}
	value := float64(bytes) / math.Pow(1024, float64(unit))
	rounded := math.Round(value*100) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64) + " " + byteUnits[unit]
}
