package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/dmpatterns/iot/dm"
	"github.com/relabs-tech/dmpatterns/iot/hub"
)

const (
	defaultPackageURI = "https://secureurl"
	methodTimeout     = 30 * time.Second
	// clockSkew is the tolerated difference between device and service clocks
	clockSkew = 5 * time.Second
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Trigger device management methods and watch their progress",
	}

	var packageURI string
	fwupdate := &cobra.Command{
		Use:   "fwupdate <hub-connection-string> <device-id>",
		Short: "Start a firmware update and print the status until it ends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceFirmwareUpdate(cmd, args[0], args[1], packageURI)
		},
	}
	fwupdate.Flags().StringVar(&packageURI, "uri", defaultPackageURI, "the https URI of the firmware package")

	reboot := &cobra.Command{
		Use:   "reboot <hub-connection-string> <device-id>",
		Short: "Reboot a device and print when it reports the reboot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceReboot(cmd, args[0], args[1])
		},
	}

	cmd.AddCommand(fwupdate, reboot)
	return cmd
}

func runServiceFirmwareUpdate(cmd *cobra.Command, connectionString, deviceID, packageURI string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	session, err := hub.NewServiceSession(&hub.ServiceSessionBuilder{ConnectionString: connectionString})
	if err != nil {
		return err
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	follower := newStatusFollower(out, time.Now().UTC().Add(-clockSkew))
	res, err := session.Invoke(ctx, deviceID, dm.MethodFirmwareUpdate, map[string]string{"fwPackageUri": packageURI}, methodTimeout)
	if err != nil {
		return fmt.Errorf("could not start the firmware update on the device: %w", err)
	}
	fmt.Fprintf(out, "Method (%s) result: %d %s\n", dm.MethodFirmwareUpdate, res.Status, res.Payload)
	if res.Status != http.StatusOK {
		return fmt.Errorf("device rejected the firmware update with status %d", res.Status)
	}

	session.Watch(deviceID, dm.CapabilityFirmwareUpdate, config.PollInterval, dm.OnStatus(follower.onStatus))

	select {
	case record := <-follower.final:
		if record.Phase.Failed() {
			return fmt.Errorf("firmware update failed: %s", record)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func runServiceReboot(cmd *cobra.Command, connectionString, deviceID string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	session, err := hub.NewServiceSession(&hub.ServiceSessionBuilder{ConnectionString: connectionString})
	if err != nil {
		return err
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	started := time.Now().UTC().Add(-clockSkew)
	res, err := session.Invoke(ctx, deviceID, dm.MethodReboot, nil, methodTimeout)
	if err != nil {
		return fmt.Errorf("could not reboot the device: %w", err)
	}
	fmt.Fprintf(out, "Method (%s) result: %d %s\n", dm.MethodReboot, res.Status, res.Payload)

	rebooted := make(chan time.Time, 1)
	session.Watch(deviceID, dm.CapabilityReboot, config.PollInterval, dm.OnReboot(func(record dm.RebootRecord) {
		if record.LastReboot.After(started) {
			select {
			case rebooted <- record.LastReboot:
			default:
			}
		}
	}))
	select {
	case at := <-rebooted:
		fmt.Fprintln(out, "Device rebooted at", at.Format(time.RFC3339))
	case <-ctx.Done():
	}
	return nil
}

// statusFollower prints the status records of one firmware update and passes on its
// terminal record. Records older than since belong to an earlier update.
type statusFollower struct {
	out   io.Writer
	since time.Time
	last  dm.StatusRecord
	final chan dm.StatusRecord
}

func newStatusFollower(out io.Writer, since time.Time) *statusFollower {
	return &statusFollower{out: out, since: since, final: make(chan dm.StatusRecord, 1)}
}

func (f *statusFollower) onStatus(record dm.StatusRecord) {
	if record.Timestamp.Before(f.since) {
		return
	}
	if record.Phase == f.last.Phase && record.Timestamp.Equal(f.last.Timestamp) {
		return
	}
	f.last = record
	fmt.Fprintln(f.out, record)
	if record.Phase.Terminal() {
		select {
		case f.final <- record:
		default:
		}
	}
}
