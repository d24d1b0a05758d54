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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blacktop/go-vmi"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(regsCmd)
	regsCmd.Flags().Uint16P("vcpu", "v", 0, "VCPU to read")
	regsCmd.Flags().Bool("no-pause", false, "Read without pausing the guest (snapshot may be inconsistent)")
}

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "Dump the registers of one VCPU as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		vcpu, err := cmd.Flags().GetUint16("vcpu")
		if err != nil {
			return err
		}
		noPause, err := cmd.Flags().GetBool("no-pause")
		if err != nil {
			return err
		}

		in, err := openIntrospector()
		if err != nil {
			return err
		}
		defer in.Close()

		regs, err := readRegisters(in, vcpu, !noPause)
		if err != nil {
			return err
		}
		output, err := json.MarshalIndent(regs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal registers: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(output))
		return nil
	},
}

// readRegisters reads vcpu, bracketing the read with Pause/Resume when pause
// is set and the backend supports it.
func readRegisters(in vmi.Introspector, vcpu uint16, pause bool) (vmi.Registers, error) {
	if pause {
		switch err := in.Pause(); {
		case errors.Is(err, vmi.ErrUnsupported):
			vmi.Logger().Warn("backend cannot pause, reading live registers")
			pause = false
		case err != nil:
			return vmi.Registers{}, err
		}
	}

	regs, err := in.ReadRegisters(vcpu)
	if pause {
		if rerr := in.Resume(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return regs, err
}
