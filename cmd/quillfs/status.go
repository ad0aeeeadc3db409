package main

import (
	"github.com/spf13/cobra"

	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/filesystem"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

var statusCMD = &cobra.Command{
	Use:   "status",
	Short: "Print volume statistics",
	Args:  cobra.NoArgs,
	RunE:  volumeStatus,
}

func init() {
	statusCMD.Flags().StringVar(&vPath, "path", "", "Volume image file")
	statusCMD.Flags().StringVar(&vBlockSize, "block-size", "4K", "Device block size")
	_ = statusCMD.MarkFlagRequired("path")
}

func volumeStatus(cmd *cobra.Command, _ []string) error {
	fs, err := openVolume(cmd, logger.Nop())
	if err != nil {
		return err
	}
	defer fs.Close(cmd.Context())

	root := fs.RootStore()
	cmd.Printf("GUID:            %s\n", fs.GUID())
	cmd.Printf("Device size:     %d\n", fs.Device().Size())
	cmd.Printf("Block size:      %d\n", fs.BlockSize())
	cmd.Printf("Allocated bytes: %d\n", fs.AllocatedBytes())
	cmd.Printf("Taken bytes:     %d\n", fs.TakenBytes())
	cmd.Printf("Root store objects: %d (last ID %d)\n", root.ObjectCount(), root.LastObjectID())

	return nil
}

func openVolume(cmd *cobra.Command, log *logger.Logger) (*filesystem.Filesystem, error) {
	blockSize, err := parseSize(vBlockSize)
	if err != nil {
		return nil, err
	}
	dev, err := device.OpenFileDevice(vPath, blockSize)
	if err != nil {
		return nil, err
	}
	fs, err := filesystem.Open(cmd.Context(), dev, filesystem.Options{Logger: log})
	if err != nil {
		dev.Close()
		return nil, err
	}
	return fs, nil
}
