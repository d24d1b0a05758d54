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
	"sort"

	"github.com/blacktop/go-macho"
)

// kernelStaticBase is where an x86_64 XNU kernel maps physical address 0
// before the KASLR slide is applied.
const kernelStaticBase = 0xffffff8000000000

type symbol struct {
	name string
	addr uint64
}

// symbolTable resolves kernel symbols in both directions. Addresses are
// virtual and already slid.
type symbolTable []symbol

func newSymbolTable(syms []symbol) symbolTable {
	t := make(symbolTable, 0, len(syms))
	for _, s := range syms {
		if s.name != "" && s.addr != 0 {
			t = append(t, s)
		}
	}
	sort.Slice(t, func(i, j int) bool { return t[i].addr < t[j].addr })
	return t
}

func (t symbolTable) lookup(name string) (uint64, bool) {
	for _, s := range t {
		if s.name == name {
			return s.addr, true
		}
	}
	return 0, false
}

// symname has the signature x86asm.GNUSyntax expects: it returns the
// closest symbol at or below addr and that symbol's address.
func (t symbolTable) symname(addr uint64) (string, uint64) {
	i := sort.Search(len(t), func(i int) bool { return t[i].addr > addr })
	if i == 0 {
		return "", 0
	}
	return t[i-1].name, t[i-1].addr
}

// kernelImage is a Mach-O kernel whose symbols are used to locate code in a
// paused guest.
type kernelImage struct {
	m     *macho.File
	slide uint64
	syms  symbolTable
}

func openKernel(path string, slide uint64) (*kernelImage, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Mach-O file: %w", err)
	}
	if m.Symtab == nil {
		m.Close()
		return nil, fmt.Errorf("%s has no symbol table", path)
	}

	syms := make([]symbol, 0, len(m.Symtab.Syms))
	for _, s := range m.Symtab.Syms {
		syms = append(syms, symbol{name: s.Name, addr: s.Value + slide})
	}
	return &kernelImage{m: m, slide: slide, syms: newSymbolTable(syms)}, nil
}

func (k *kernelImage) Close() error { return k.m.Close() }

// function returns the slid bounds of the function containing the slid
// address vaddr, from LC_FUNCTION_STARTS.
func (k *kernelImage) function(vaddr uint64) (start, end uint64, err error) {
	fn, err := k.m.GetFunctionForVMAddr(vaddr - k.slide)
	if err != nil {
		return 0, 0, err
	}
	return fn.StartAddr + k.slide, fn.EndAddr + k.slide, nil
}

// kernelPhys translates a kernel virtual address in the static map to a
// guest physical address.
func kernelPhys(vaddr uint64) (uint64, error) {
	if vaddr < kernelStaticBase {
		return 0, fmt.Errorf("0x%x is not in the kernel static map", vaddr)
	}
	return vaddr - kernelStaticBase, nil
}
