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
	"os"

	"github.com/blacktop/go-vmi/cmd/vmi/cmd/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().Uint64P("paddr", "a", 0, "Guest physical address")
	dumpCmd.Flags().IntP("size", "s", 0x100, "Number of bytes to read")
	dumpCmd.Flags().StringP("out", "o", "", "Write raw bytes to file instead of a hex dump")
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Read guest physical memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		paddr, err := cmd.Flags().GetUint64("paddr")
		if err != nil {
			return err
		}
		size, err := cmd.Flags().GetInt("size")
		if err != nil {
			return err
		}
		out, err := cmd.Flags().GetString("out")
		if err != nil {
			return err
		}
		if size <= 0 {
			return fmt.Errorf("size must be positive")
		}

		in, err := openIntrospector()
		if err != nil {
			return err
		}
		defer in.Close()

		data := make([]byte, size)
		if err := in.ReadPhysical(paddr, data); err != nil {
			return err
		}

		if out != "" {
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes from 0x%x to %s\n", len(data), paddr, out)
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), utils.HexDump(data, paddr))
		return nil
	},
}
