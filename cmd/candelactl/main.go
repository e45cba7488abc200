package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "candelactl",
	Short: "Yeelight Candela/Bedside lamp control tool",
	Long: `Command-line driver for Yeelight Candela and Bedside BLE lamps:

- Scan for nearby lamps by their advertised name
- Pair with a lamp (first pairing may need a button press on the device)
- Turn the lamp on/off, set brightness, color temperature and RGB color
- Query the lamp state and dump its GATT services for diagnostics

Commands connect and pair automatically before sending anything.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(onCmd)
	rootCmd.AddCommand(offCmd)
	rootCmd.AddCommand(brightnessCmd)
	rootCmd.AddCommand(tempCmd)
	rootCmd.AddCommand(colorCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(servicesCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
