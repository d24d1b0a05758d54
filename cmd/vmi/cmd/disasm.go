/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

func init() {
	rootCmd.AddCommand(disasmCmd)
	disasmCmd.Flags().Uint64P("paddr", "a", 0, "Guest physical address")
	disasmCmd.Flags().IntP("size", "s", 0x40, "Number of bytes to decode")
	disasmCmd.Flags().IntP("bits", "b", 64, "Decoder mode: 16, 32 or 64")
	disasmCmd.Flags().StringP("kernel", "k", "", "Mach-O kernel to take symbols from")
	disasmCmd.Flags().String("symbol", "", "Disassemble this kernel symbol instead of --paddr")
	disasmCmd.Flags().Uint64("slide", 0, "KASLR slide of the running kernel")
	disasmCmd.MarkFlagsMutuallyExclusive("paddr", "symbol")
}

var disasmCmd = &cobra.Command{
	Use:     "disasm",
	Aliases: []string{"dis"},
	Short:   "Disassemble guest physical memory as x86 (GNU syntax)",
	RunE: func(cmd *cobra.Command, args []string) error {
		paddr, err := cmd.Flags().GetUint64("paddr")
		if err != nil {
			return err
		}
		size, err := cmd.Flags().GetInt("size")
		if err != nil {
			return err
		}
		bits, err := cmd.Flags().GetInt("bits")
		if err != nil {
			return err
		}
		if bits != 16 && bits != 32 && bits != 64 {
			return fmt.Errorf("bits must be 16, 32 or 64")
		}
		kernelPath, _ := cmd.Flags().GetString("kernel")
		symName, _ := cmd.Flags().GetString("symbol")
		slide, _ := cmd.Flags().GetUint64("slide")

		pc := paddr
		var symname func(uint64) (string, uint64)
		if kernelPath != "" {
			k, err := openKernel(kernelPath, slide)
			if err != nil {
				return err
			}
			defer k.Close()
			symname = k.syms.symname

			if symName != "" {
				vaddr, ok := k.syms.lookup(symName)
				if !ok {
					return fmt.Errorf("symbol %s not found in %s", symName, kernelPath)
				}
				if paddr, err = kernelPhys(vaddr); err != nil {
					return err
				}
				pc = vaddr
				if !cmd.Flags().Changed("size") {
					if start, end, err := k.function(vaddr); err == nil && start == vaddr {
						size = int(end - start)
					}
				}
			} else if paddr <= ^uint64(0)-kernelStaticBase {
				pc = paddr + kernelStaticBase
			}
		} else if symName != "" {
			return fmt.Errorf("--symbol requires --kernel")
		}
		if size <= 0 {
			return fmt.Errorf("size must be positive")
		}

		in, err := openIntrospector()
		if err != nil {
			return err
		}
		defer in.Close()

		code := make([]byte, size)
		if err := in.ReadPhysical(paddr, code); err != nil {
			return err
		}
		return disassemble(cmd.OutOrStdout(), code, pc, bits, symname)
	},
}

// disassemble decodes code as if loaded at pc. Bytes that do not decode are
// printed as .byte and skipped one at a time. symname may be nil.
func disassemble(w io.Writer, code []byte, pc uint64, bits int, symname func(uint64) (string, uint64)) error {
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, bits)
		if err != nil {
			if _, err := fmt.Fprintf(w, "%#016x: %02x\t.byte 0x%02x\n", pc, code[0], code[0]); err != nil {
				return err
			}
			code = code[1:]
			pc++
			continue
		}
		if _, err := fmt.Fprintf(w, "%#016x: % -24x\t%s\n", pc, code[:inst.Len], x86asm.GNUSyntax(inst, pc, symname)); err != nil {
			return err
		}
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return nil
}
