package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/dmpatterns/firmware"
)

func newFirmwareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Manage firmware packages",
	}

	var (
		compress bool
		expiry   time.Duration
	)
	upload := &cobra.Command{
		Use:   "upload <file> <key>",
		Short: "Upload a firmware package to S3 and print a presigned package URI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if compress && !firmware.IsCompressed(data) {
				data = firmware.Compress(data)
			}
			store, err := firmware.NewS3Store(cmd.Context(), config.S3)
			if err != nil {
				return err
			}
			if err := store.Upload(cmd.Context(), args[1], data); err != nil {
				return err
			}
			uri, err := store.PresignedURL(cmd.Context(), args[1], expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}
	upload.Flags().BoolVar(&compress, "compress", false, "compress the package with zstd")
	upload.Flags().DurationVar(&expiry, "expiry", firmware.DefaultURLExpiry, "validity of the package URI")

	cmd.AddCommand(upload)
	return cmd
}
