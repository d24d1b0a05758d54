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
	"log/slog"
	"os"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/driver"
	"github.com/blacktop/go-vmi/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vmi",
	Short: "Introspect a running guest through a hypervisor backend",
	Long: `Read physical memory and registers of a running guest, and trap
control register writes, through KVMi, libvirt or the in-memory dummy backend.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		vmi.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

		c, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("driver") {
			c.Driver, _ = cmd.Flags().GetString("driver")
		}
		if cmd.Flags().Changed("domain") {
			c.Domain, _ = cmd.Flags().GetString("domain")
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringP("driver", "d", "", "Backend: dummy, kvm or libvirt (default from config: kvm)")
	rootCmd.PersistentFlags().StringP("domain", "n", "", "Guest domain name")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openIntrospector validates the configuration and connects to the guest.
func openIntrospector() (vmi.Introspector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dt, err := cfg.DriverType()
	if err != nil {
		return nil, err
	}
	return driver.Open(dt, cfg.Domain, cfg.Options())
}
