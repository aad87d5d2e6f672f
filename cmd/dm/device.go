package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/firmware"
	"github.com/relabs-tech/dmpatterns/iot/dm"
	"github.com/relabs-tech/dmpatterns/iot/hub"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Simulated device which handles device management methods",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "fwupdate <device-connection-string>",
			Short: "Wait for firmwareUpdate calls and apply the packages to local slot files",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDevice(cmd, args[0], dm.MethodFirmwareUpdate)
			},
		},
		&cobra.Command{
			Use:   "reboot <device-connection-string>",
			Short: "Wait for reboot calls and simulate the reboot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDevice(cmd, args[0], dm.MethodReboot)
			},
		},
	)
	return cmd
}

func runDevice(cmd *cobra.Command, connectionString, method string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	session, err := hub.NewDeviceSession(ctx, &hub.DeviceSessionBuilder{ConnectionString: connectionString})
	if err != nil {
		return err
	}
	defer session.Close()

	switch method {
	case dm.MethodFirmwareUpdate:
		applier, err := firmware.NewSlotApplier(config.FirmwareSlotDir)
		if err != nil {
			return err
		}
		o := dm.NewOrchestrator(&dm.OrchestratorBuilder{
			DeviceID: session.DeviceID(),
			Store:    session.Store(),
			Fetcher:  firmware.NewHTTPFetcher(&firmware.FetcherBuilder{}),
			Applier:  applier,
		})
		session.Handle(method, dm.NewFirmwareUpdateMethod(o, func(result dm.Result, err error) {
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Firmware update failed:", err)
				return
			}
			active, _ := applier.Active()
			fmt.Fprintln(cmd.OutOrStdout(), "Firmware update complete, active slot", active)
		}))
	case dm.MethodReboot:
		session.Handle(method, dm.NewRebootMethod(session.Store(), session.DeviceID(), dm.RebooterFunc(func(ctx context.Context) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Rebooting!")
			return nil
		})))
	}

	session.Start()
	logger.FromContext(ctx).Infof("device %s waiting for %s calls", session.DeviceID(), method)
	<-ctx.Done()
	return nil
}
