package patch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes data as 32-bit x86 code located at addr, one
// instruction per line. Bytes that do not decode are shown as "db" lines.
func Disassemble(data []byte, addr uint32) []string {
	var lines []string
	for p := 0; p < len(data); {
		pc := addr + uint32(p)
		inst, err := x86asm.Decode(data[p:], 32)
		if err != nil || inst.Len == 0 {
			lines = append(lines, fmt.Sprintf("%08X  %02X  db 0x%02X", pc, data[p], data[p]))
			p++
			continue
		}
		lines = append(lines, fmt.Sprintf("%08X  % X  %s", pc, data[p:p+inst.Len], x86asm.IntelSyntax(inst, uint64(pc), nil)))
		p += inst.Len
	}
	return lines
}
