package notify

import (
	"strconv"
)

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func utoa(u uint64) string {
	return strconv.FormatUint(u, 10)
}

func ftoa(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', 2, 32)
}
