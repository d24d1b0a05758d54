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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().String("cr", "cr3", "Control register to trap: cr0, cr3 or cr4")
	listenCmd.Flags().IntP("vcpu", "v", -1, "VCPU to trap on (-1 = all)")
	listenCmd.Flags().IntP("count", "N", 0, "Stop after this many events (0 = until interrupted)")
	listenCmd.Flags().DurationP("timeout", "t", 0, "Wait per listen call (default from config)")
	listenCmd.Flags().Duration("duration", 0, "Stop after this long (0 = until interrupted)")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Trap control register writes and print them as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		crName, err := cmd.Flags().GetString("cr")
		if err != nil {
			return err
		}
		cr, err := vmi.ParseCrType(crName)
		if err != nil {
			return err
		}
		vcpu, err := cmd.Flags().GetInt("vcpu")
		if err != nil {
			return err
		}
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return err
		}
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}
		if timeout <= 0 {
			timeout = cfg.Listen.Timeout
		}
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return err
		}

		in, err := openIntrospector()
		if err != nil {
			return err
		}
		defer in.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		return listenEvents(ctx, in, cmd.OutOrStdout(), listenOptions{
			cr:      cr,
			vcpu:    vcpu,
			count:   count,
			timeout: timeout,
		})
	},
}

type listenOptions struct {
	cr      vmi.CrType
	vcpu    int // -1 for every VCPU
	count   int // 0 for no limit
	timeout time.Duration
}

// listenEvents enables interception, prints every event as one JSON line and
// lets the VCPU continue. Interception is disabled again before returning.
func listenEvents(ctx context.Context, in vmi.Introspector, w io.Writer, opts listenOptions) error {
	total, err := in.GetVCPUCount()
	if err != nil {
		return err
	}

	var vcpus []uint16
	if opts.vcpu < 0 {
		for v := uint16(0); v < total; v++ {
			vcpus = append(vcpus, v)
		}
	} else {
		vcpus = []uint16{uint16(opts.vcpu)}
	}

	it := vmi.CrIntercept(opts.cr)
	var enabled []uint16
	defer func() {
		for _, v := range enabled {
			if derr := in.ToggleIntercept(v, it, false); derr != nil {
				vmi.Logger().Warn("failed to disable intercept", "vcpu", v, "err", derr)
			}
		}
	}()
	for _, v := range vcpus {
		if err := in.ToggleIntercept(v, it, true); err != nil {
			return err
		}
		enabled = append(enabled, v)
	}

	enc := json.NewEncoder(w)
	for seen := 0; opts.count == 0 || seen < opts.count; {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, err := in.Listen(opts.timeout)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		seen++

		if err := enc.Encode(ev); err != nil {
			if rerr := in.ReplyEvent(*ev, vmi.ReplyContinue); rerr != nil {
				vmi.Logger().Warn("failed to release event", "vcpu", ev.VCPU, "err", rerr)
			}
			return fmt.Errorf("failed to write event: %w", err)
		}
		if err := in.ReplyEvent(*ev, vmi.ReplyContinue); err != nil {
			return err
		}
	}
	return nil
}
