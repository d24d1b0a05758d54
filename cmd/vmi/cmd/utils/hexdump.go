package utils

import (
	"fmt"
	"strings"
)

// HexDump formats data 16 bytes per line, addressed from base.
func HexDump(data []byte, base uint64) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]

		fmt.Fprintf(&sb, "%016x  ", base+uint64(off))
		for i := 0; i < 16; i++ {
			switch {
			case i < len(line):
				fmt.Fprintf(&sb, "%02x ", line[i])
			default:
				sb.WriteString("   ")
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}

		sb.WriteString(" |")
		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
