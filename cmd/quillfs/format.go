package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/filesystem"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

var (
	vPath        string
	vSize        string
	vBlockSize   string
	vJournalSize string
)

var formatCMD = &cobra.Command{
	Use:   "format",
	Short: "Create an empty volume",
	Long:  `Create a volume image file of the given size and format it.`,
	Args:  cobra.NoArgs,
	RunE:  formatVolume,
}

func init() {
	formatCMD.Flags().StringVar(&vPath, "path", "", "Volume image file")
	formatCMD.Flags().StringVar(&vSize, "size", "64M", "Volume size")
	formatCMD.Flags().StringVar(&vBlockSize, "block-size", "4K", "Device block size")
	formatCMD.Flags().StringVar(&vJournalSize, "journal-size", "8M", "Write-ahead log size")
	_ = formatCMD.MarkFlagRequired("path")
}

func formatVolume(cmd *cobra.Command, _ []string) error {
	size, err := parseSize(vSize)
	if err != nil {
		return err
	}
	blockSize, err := parseSize(vBlockSize)
	if err != nil {
		return err
	}
	journalSize, err := parseSize(vJournalSize)
	if err != nil {
		return err
	}

	dev, err := device.CreateFileDevice(vPath, size, blockSize)
	if err != nil {
		return err
	}

	fs, err := filesystem.Format(cmd.Context(), dev, filesystem.Options{
		JournalSize: journalSize,
		Logger:      logger.Nop(),
	})
	if err != nil {
		dev.Close()
		return fmt.Errorf("could not format volume: %w", err)
	}
	guid := fs.GUID()
	if err := fs.Close(cmd.Context()); err != nil {
		return err
	}

	cmd.Printf("formatted volume %s (%d bytes, %d journal)\n", guid, size, journalSize)

	return nil
}
