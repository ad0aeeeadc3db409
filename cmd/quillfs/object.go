package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

var (
	vObjectID uint64
	vFile     string
)

var objectRootCMD = &cobra.Command{
	Use:   "object",
	Short: "Operations with root store objects",
}

var objectPutCMD = &cobra.Command{
	Use:   "put",
	Short: "Store a file as a new object",
	Args:  cobra.NoArgs,
	RunE:  objectPut,
}

var objectGetCMD = &cobra.Command{
	Use:   "get",
	Short: "Read an object's content",
	Args:  cobra.NoArgs,
	RunE:  objectGet,
}

var objectDeleteCMD = &cobra.Command{
	Use:   "delete",
	Short: "Drop an object's reference and reclaim it",
	Args:  cobra.NoArgs,
	RunE:  objectDelete,
}

func init() {
	for _, c := range []*cobra.Command{objectPutCMD, objectGetCMD, objectDeleteCMD} {
		c.Flags().StringVar(&vPath, "path", "", "Volume image file")
		c.Flags().StringVar(&vBlockSize, "block-size", "4K", "Device block size")
		_ = c.MarkFlagRequired("path")
	}
	objectPutCMD.Flags().StringVar(&vFile, "file", "", "File to store")
	_ = objectPutCMD.MarkFlagRequired("file")
	objectGetCMD.Flags().Uint64Var(&vObjectID, "id", 0, "Object ID")
	objectGetCMD.Flags().StringVar(&vFile, "out", "", "Output file (stdout when empty)")
	_ = objectGetCMD.MarkFlagRequired("id")
	objectDeleteCMD.Flags().Uint64Var(&vObjectID, "id", 0, "Object ID")
	_ = objectDeleteCMD.MarkFlagRequired("id")

	objectRootCMD.AddCommand(objectPutCMD, objectGetCMD, objectDeleteCMD)
}

func objectPut(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(vFile)
	if err != nil {
		return err
	}

	fs, err := openVolume(cmd, logger.Nop())
	if err != nil {
		return err
	}
	defer fs.Close(cmd.Context())

	ctx := cmd.Context()
	t, err := fs.NewTransaction(ctx, nil, txn.Options{})
	if err != nil {
		return err
	}
	h, err := fs.RootStore().CreateObject(t)
	if err != nil {
		t.Drop()
		return err
	}
	if err := h.WriteAll(ctx, t, data); err != nil {
		t.Drop()
		return err
	}
	if _, err := t.Commit(ctx); err != nil {
		return err
	}

	cmd.Printf("object %d stored (%d bytes)\n", h.ObjectID(), len(data))

	return nil
}

func objectGet(cmd *cobra.Command, _ []string) error {
	fs, err := openVolume(cmd, logger.Nop())
	if err != nil {
		return err
	}
	defer fs.Close(cmd.Context())

	h, err := fs.RootStore().OpenObject(cmd.Context(), vObjectID)
	if err != nil {
		return err
	}
	data, err := h.ReadAll(cmd.Context())
	if err != nil {
		return err
	}

	if vFile == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(vFile, data, 0o640)
}

func objectDelete(cmd *cobra.Command, _ []string) error {
	fs, err := openVolume(cmd, logger.Nop())
	if err != nil {
		return err
	}
	defer fs.Close(cmd.Context())

	if err := fs.RootStore().Reap(cmd.Context(), vObjectID); err != nil {
		return fmt.Errorf("could not delete object %d: %w", vObjectID, err)
	}

	cmd.Printf("object %d deleted\n", vObjectID)

	return nil
}
