package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/candela/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Candela and Bedside lamps",
	Long: `Scan for nearby Yeelight Candela and Bedside lamps.

Only devices advertising the lamp name prefixes ("yeelight_ms" for
Candela, "XMCTD_" for Bedside) are listed.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	s := scanner.NewScanner(logger)
	opts := scanner.DefaultScanOptions()
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}

	devices := s.Scan(ctx, opts, nil)
	return displayLamps(devices)
}

func displayLamps(devices map[string]scanner.Discovered) error {
	if len(devices) == 0 {
		fmt.Println("No lamps discovered")
		return nil
	}

	list := make([]scanner.Discovered, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Identity.Name < list[j].Identity.Name
	})

	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	var w io.Writer = os.Stdout
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tMODEL\tRSSI\tLAST SEEN")
	for _, d := range list {
		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d dBm\t%s ago\n",
			d.Identity.Name, d.Identity.Address, d.Model, d.RSSI, lastSeen)
	}
	return tw.Flush()
}
