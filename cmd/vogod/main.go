package main

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Morg42/viessmann/internal/config"
	"github.com/Morg42/viessmann/pkg/optolink"
	"github.com/Morg42/viessmann/pkg/vogo"
)

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

var (
	cfgFile   string
	verbose   bool
	logFormat string

	connTo   string
	protocol string
	device   string
	catalog  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vogod",
	Short: "Viessmann Optolink daemon",
	Long: `vogod talks to Viessmann heating controllers over an Optolink adapter,
using the P300 or the KW protocol.

Connections:
  Serial: -c /dev/ttyUSB0
  TCP:    -c socket://host:port (ser2net or similar)

Settings come from the config file, then VOGOD_* environment variables, then flags.`,
	Version:       buildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		for name, f := range map[string]struct{ dst, src *string }{
			"conn":     {&cfg.Port, &connTo},
			"protocol": {&cfg.Protocol, &protocol},
			"device":   {&cfg.Device, &device},
			"catalog":  {&cfg.Catalog, &catalog},
		} {
			if cmd.Flags().Changed(name) {
				*f.dst = *f.src
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "f", "", "config `file`")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	pf.StringVar(&logFormat, "log-format", "text", "log format, text or json")
	pf.StringVarP(&connTo, "conn", "c", "", "connection string, use socket://[host]:[port] for TCP or [serialDevice] for direct serial connection")
	pf.StringVarP(&protocol, "protocol", "p", "", "protocol, P300 or KW")
	pf.StringVarP(&device, "device", "d", "", "device type, e.g. V200KO1B")
	pf.StringVar(&catalog, "catalog", "", "catalog `file`, the built-in catalog if empty")

	rootCmd.AddCommand(runCmd, readCmd, writeCmd, identifyCmd, commandsCmd, portsCmd, simulateCmd)
}

func setupLogging() {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if logFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// deviceSet loads the catalog and picks the configured device set
func deviceSet(c *config.Config) (*vogo.DeviceSet, error) {
	cat, err := vogo.LoadFile(c.Catalog)
	if err != nil {
		return nil, err
	}
	return cat.Device(optolink.Protocol(c.Protocol), c.Device)
}

// openEngine prepares an engine for the configured device. It connects on first use.
func openEngine(c *config.Config, opts ...vogo.EngineOption) (*vogo.Engine, *optolink.Session, error) {
	if c.Port == "" {
		return nil, nil, fmt.Errorf("need connection string in -c option")
	}
	ds, err := deviceSet(c)
	if err != nil {
		return nil, nil, err
	}
	link := optolink.NewLink(c.Port, ds.Control, c.Timeout)
	s := optolink.NewSession(link, ds.Control, optolink.WithTimeout(c.Timeout))
	return vogo.NewEngine(ds, s, opts...), s, nil
}

func printJSON(v any) error {
	e := json.NewEncoder(os.Stdout)
	e.SetIndent("", "    ")
	return e.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
