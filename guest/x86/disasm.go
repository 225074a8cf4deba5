package x86

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/dbt/mmu"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders up to count guest instructions starting at pc in Intel syntax.
func Disassemble(m *mmu.MMU, pc uint64, count int, long bool) (string, error) {
	mode := 32
	if long {
		mode = 64
	}
	var sb strings.Builder
	for i := 0; i < count; i++ {
		code, err := m.ReadBytes(pc, maxInsnLen)
		if len(code) == 0 {
			return sb.String(), err
		}
		inst, derr := x86asm.Decode(code, mode)
		if derr != nil {
			fmt.Fprintf(&sb, "0x%08x: db 0x%02x\n", pc, code[0])
			pc++
			continue
		}
		var hexBytes []string
		for _, c := range code[:inst.Len] {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", c))
		}
		fmt.Fprintf(&sb, "0x%08x: %-20s %s\n", pc, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, pc, nil))
		pc += uint64(inst.Len)
	}
	return sb.String(), nil
}
