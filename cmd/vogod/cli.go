package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/Morg42/viessmann/internal/devicesim"
	"github.com/Morg42/viessmann/pkg/vogo"
)

const cliTimeout = 30 * time.Second

// parseValue takes JSON, anything else as plain string
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

var readCmd = &cobra.Command{
	Use:   "read <command>...",
	Short: "Read commands from the device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, s, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		values := make(map[string]any, len(args))
		for _, name := range args {
			v, err := e.Read(ctx, name)
			if err != nil {
				return err
			}
			values[name] = v
		}
		return printJSON(values)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <command> <value>",
	Short: "Write a value to the device",
	Long:  "Write a value to the device. The value is parsed as JSON if possible, as plain string otherwise.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, s, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		if err := e.Write(ctx, args[0], parseValue(args[1])); err != nil {
			return err
		}
		log.Infof("%v written", args[0])
		return nil
	},
}

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Read the device identification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, s, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer s.Disconnect()
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		name, err := e.Identify(ctx)
		if err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands of the configured device type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := deviceSet(cfg)
		if err != nil {
			return err
		}
		return printJSON(ds.Commands())
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.GetPortsList()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			log.Info("No serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

var simulateListen string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a simulated controller on a TCP port",
	Long: `Serve a simulated controller of the configured protocol and device type on a TCP port.
Connect to it with -c socket://localhost:3002.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := deviceSet(cfg)
		if err != nil {
			return err
		}
		dev := devicesim.New(ds.Control)
		seedSimulator(dev, ds)

		l, err := net.Listen("tcp", simulateListen)
		if err != nil {
			return err
		}
		log.Infof("Simulating %v over %v on %v", ds.Type, ds.Protocol, l.Addr())
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return devicesim.Serve(ctx, l, dev)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateListen, "listen", ":3002", "listen `address`")
}

// seedSimulator loads the device identification and valid defaults for date and timer commands
func seedSimulator(dev *devicesim.Device, ds *vogo.DeviceSet) {
	if code, ok := ds.DeviceTypes.Code(ds.Type); ok {
		dev.Load(0x00f8, byte(code>>8), byte(code))
	}
	now := vogo.EncodeBCDDate(time.Now())
	for _, c := range ds.Commands() {
		switch ds.Unit(c).Type {
		case vogo.UnitDate, vogo.UnitDateTime:
			dev.Load(uint16(c.Address), now...)
		case vogo.UnitTimer:
			b, _ := vogo.EncodeTimer([]vogo.TimerPair{{On: "06:00", Off: "22:00"}}, c.Length)
			dev.Load(uint16(c.Address), b...)
		}
	}
}
