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

// Info is the output of the info command.
type Info struct {
	Driver          string `json:"driver"`
	Domain          string `json:"domain"`
	VCPUs           uint16 `json:"vcpus"`
	MaxPhysicalAddr uint64 `json:"max_physical_addr,omitempty"`
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print VCPU count and physical address space size as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openIntrospector()
		if err != nil {
			return err
		}
		defer in.Close()

		info, err := collectInfo(in, cfg.Domain)
		if err != nil {
			return err
		}
		output, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal info: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(output))
		return nil
	},
}

func collectInfo(in vmi.Introspector, domain string) (*Info, error) {
	count, err := in.GetVCPUCount()
	if err != nil {
		return nil, err
	}
	info := &Info{Driver: in.GetDriverType().String(), Domain: domain, VCPUs: count}

	info.MaxPhysicalAddr, err = in.GetMaxPhysicalAddr()
	if err != nil && !errors.Is(err, vmi.ErrUnsupported) {
		return nil, err
	}
	return info, nil
}
