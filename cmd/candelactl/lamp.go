package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/candela/internal/lamp"
	"github.com/srg/candela/internal/protocol"
	"github.com/srg/candela/internal/transport/goble"
	"github.com/srg/candela/pkg/config"
)

var (
	lampAddress    string
	lampName       string
	lampBrightness int
	lampVerbose    bool
)

// lampFlags registers the flags shared by all lamp commands.
func lampFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&lampAddress, "address", "a", "", "Lamp BLE address (required)")
	cmd.Flags().StringVarP(&lampName, "name", "n", "", "Advertised lamp name, used to derive the model")
	cmd.Flags().BoolVar(&lampVerbose, "verbose", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("address")
}

// loadConfig reads the optional --config file or falls back to defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// newLamp builds a Lamp over the go-ble transport from command flags.
func newLamp(cmd *cobra.Command) (*lamp.Lamp, *logrus.Logger, error) {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	opts := &lamp.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		PairWait:        cfg.PairWait,
		ConfirmWait:     cfg.ConfirmWait,
		SettleInterval:  cfg.SettleInterval,
		ReadServices:    cfg.ReadServices,
	}

	identity := lamp.DeviceIdentity{Address: lampAddress, Name: lampName}
	transport := goble.NewTransport(logger)
	return lamp.New(transport, identity, nil, opts, logger), logger, nil
}

// runLampCommand handles the shared connect/run/teardown cycle.
func runLampCommand(cmd *cobra.Command, op func(ctx context.Context, l *lamp.Lamp) bool) error {
	l, _, err := newLamp(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	defer l.Disconnect()

	if !op(cmd.Context(), l) {
		return ErrCommandFailed
	}
	printState(l)
	return nil
}

// printState renders the lamp's last-known state.
func printState(l *lamp.Lamp) {
	st := l.State()

	power := color.RedString("off")
	if st.IsOn {
		power = color.GreenString("on")
	}

	fmt.Printf("%s (%s)  power=%s  brightness=%d%%  mode=%s",
		l.Address(), l.Model(), power, st.Brightness, st.Mode)
	switch st.Mode {
	case protocol.ModeColor:
		fmt.Printf("  rgb=(%d,%d,%d)", st.Red, st.Green, st.Blue)
	case protocol.ModeWhite:
		fmt.Printf("  temperature=%dK", st.Temperature)
	}
	fmt.Println()
}

var onCmd = &cobra.Command{
	Use:   "on",
	Short: "Turn the lamp on",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLampCommand(cmd, func(ctx context.Context, l *lamp.Lamp) bool {
			return l.TurnOn(ctx)
		})
	},
}

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Turn the lamp off",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLampCommand(cmd, func(ctx context.Context, l *lamp.Lamp) bool {
			return l.TurnOff(ctx)
		})
	},
}

var brightnessCmd = &cobra.Command{
	Use:   "brightness <0-100>",
	Short: "Set the lamp brightness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid brightness %q: %w", args[0], err)
		}
		return runLampCommand(cmd, func(ctx context.Context, l *lamp.Lamp) bool {
			return l.SetBrightness(ctx, value)
		})
	},
}

var tempCmd = &cobra.Command{
	Use:   "temp <kelvin>",
	Short: "Set the white color temperature (1700-6500 K)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kelvin, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid temperature %q: %w", args[0], err)
		}
		return runLampCommand(cmd, func(ctx context.Context, l *lamp.Lamp) bool {
			return l.SetTemperature(ctx, kelvin, lampBrightness)
		})
	},
}

var colorCmd = &cobra.Command{
	Use:   "color <red> <green> <blue>",
	Short: "Set an RGB color (0-255 each)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rgb := make([]uint8, 3)
		for i, arg := range args {
			v, err := strconv.Atoi(arg)
			if err != nil || v < 0 || v > 255 {
				return fmt.Errorf("invalid color component %q: must be 0-255", arg)
			}
			rgb[i] = uint8(v)
		}
		return runLampCommand(cmd, func(ctx context.Context, l *lamp.Lamp) bool {
			return l.SetColor(ctx, rgb[0], rgb[1], rgb[2], lampBrightness)
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Query the lamp state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLampCommand(cmd, func(ctx context.Context, l *lamp.Lamp) bool {
			return l.GetState(ctx)
		})
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair with the lamp",
	Long: `Pair with the lamp. First-time pairing may require pressing the
small button on the device when prompted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := newLamp(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		defer l.Disconnect()

		if err := l.EnsurePaired(cmd.Context()); err != nil {
			return err
		}
		if l.Available() {
			color.Green("Paired with %s", l.Address())
		} else {
			color.Yellow("Pairing did not complete; state is %s", l.ConnState())
		}
		return nil
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Dump the lamp's GATT services (diagnostics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := configureLogger(cmd, "verbose")
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		identity := lamp.DeviceIdentity{Address: lampAddress, Name: lampName}
		transport := goble.NewTransport(logger)
		handle, err := transport.Connect(cmd.Context(), identity, nil, cfg.ConnectAttempts, cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		defer func() { _ = handle.Disconnect() }()

		services, err := handle.ListServices()
		if err != nil {
			return fmt.Errorf("service listing failed: %w", err)
		}
		for _, svc := range services {
			color.Cyan("service %s", svc.UUID)
			for _, ch := range svc.Characteristics {
				fmt.Printf("  characteristic %s [%s] value=%x\n", ch.UUID, ch.Properties, ch.Value)
			}
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{onCmd, offCmd, brightnessCmd, tempCmd, colorCmd, stateCmd, pairCmd, servicesCmd} {
		lampFlags(cmd)
	}
	tempCmd.Flags().IntVarP(&lampBrightness, "brightness", "b", -1, "Brightness to apply with the command (-1 keeps current)")
	colorCmd.Flags().IntVarP(&lampBrightness, "brightness", "b", -1, "Brightness to apply with the command (-1 keeps current)")
}
