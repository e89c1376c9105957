package recorder

import (
	"fmt"
	"strconv"

	"github.com/forcedaq/forcedaq/internal/daq"
)

// Row tags in the first column for non-sample events.
const (
	CodeSoftTrigger = 88
	CodeCommand     = 99
)

// Header is the optional first data line naming the columns.
const Header = "device_tag, time, Fx, Fy, Fz"

const forceDecimals = 4

// AppendRow appends the CSV row for ev, including the trailing newline.
func AppendRow(dst []byte, ev daq.Event) []byte {
	switch e := ev.(type) {
	case daq.ForceSample:
		dst = strconv.AppendInt(dst, int64(e.DeviceID), 10)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, e.Time, 10)
		for _, v := range [...]float64{e.Fx, e.Fy, e.Fz} {
			dst = append(dst, ',')
			dst = strconv.AppendFloat(dst, v, 'f', forceDecimals, 64)
		}
	case daq.SoftTrigger:
		dst = strconv.AppendInt(dst, CodeSoftTrigger, 10)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, e.Time, 10)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, int64(e.Code), 10)
		dst = append(dst, ",0,0"...)
	case daq.CommandEvent:
		dst = strconv.AppendInt(dst, CodeCommand, 10)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, e.Time, 10)
		dst = append(dst, ',')
		dst = appendOneLine(dst, e.Raw)
		dst = append(dst, ",0,0"...)
	default:
		// daq.Event is sealed; reaching here means a new kind was added
		// without a row format.
		panic(fmt.Sprintf("recorder: no row format for %T", ev))
	}
	return append(dst, '\n')
}

// appendOneLine appends s with CR and LF written as \r and \n so a
// command row stays on one line.
func appendOneLine(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			dst = append(dst, `\n`...)
		case '\r':
			dst = append(dst, `\r`...)
		default:
			dst = append(dst, s[i])
		}
	}
	return dst
}
