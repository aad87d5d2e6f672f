// Command dm runs the device management patterns against a hub: a simulated device which
// accepts firmware updates and reboots, the service side which triggers them, and a
// helper to publish firmware packages.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/firmware"
)

// Config holds the environment configuration of the command
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	PollInterval    time.Duration `env:"POLL_INTERVAL,optional,default=1s" description:"how often the service polls the device twin"`
	FirmwareSlotDir string        `env:"FIRMWARE_SLOT_DIR,optional,default=./slots" description:"directory of the firmware slots of the simulated device"`
	S3              firmware.S3Configuration
}

var config = &Config{}

var rootCmd = &cobra.Command{
	Use:           "dm",
	Short:         "Device management patterns: firmware update and reboot",
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := envdecode.Decode(config); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
			return err
		}
		logger.InitLogger(logger.ParseLevel(config.LogLevel))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(
		newDeviceCmd(),
		newServiceCmd(),
		newFirmwareCmd(),
	)
}

// signalContext is cancelled on SIGINT and SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Default().WithError(err).Errorln("dm command failed")
		os.Exit(1)
	}
}
