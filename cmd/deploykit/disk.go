package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/deploykit/internal/cache"
	"github.com/sigreer/deploykit/internal/disk"
	"github.com/sigreer/deploykit/internal/journal"
)

// runner executes the external disk tools; tests swap in a fake
var runner disk.Runner = disk.ExecRunner{}

// scanCache holds block device scans for the lifetime of the process
var scanCache = cache.New()

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List partitions on all disks",
	Args:  cobra.NoArgs,
	RunE:  runPartitions,
}

var espCmd = &cobra.Command{
	Use:   "esp <device>",
	Short: "Find the EFI System Partition on a disk",
	Args:  cobra.ExactArgs(1),
	RunE:  runESP,
}

var formatCmd = &cobra.Command{
	Use:   "format <partition>",
	Short: "Create a filesystem on a partition",
	Long: `Create a new filesystem on a partition. Everything stored on the
partition is destroyed.

Without --fs the partition keeps its current filesystem type when that type
is offered for a root partition, otherwise ext4 is used. --fs creates exactly
the named filesystem (ext4, xfs, btrfs, f2fs or fat32).`,
	Args: cobra.ExactArgs(1),
	RunE: runFormat,
}

var fstabCmd = &cobra.Command{
	Use:   "fstab <partition> <mount-point>",
	Short: "Print the mount table entry for a partition",
	Args:  cobra.ExactArgs(2),
	RunE:  runFstab,
}

func init() {
	formatCmd.Flags().String("fs", "", "filesystem to create (ext4, xfs, btrfs, f2fs, fat32)")
	formatCmd.Flags().Bool("default", false, "always create the default filesystem")
	formatCmd.Flags().Bool("yes", false, "confirm that the partition may be erased")
	formatCmd.MarkFlagsMutuallyExclusive("fs", "default")

	fstabCmd.Flags().String("append", "", "append the entry to this file instead of printing it")
}

func newBackend() *disk.LiveBackend {
	return disk.NewLiveBackend(runner, scanCache)
}

// visiblePartitions lists partitions on disks not hidden by disks.exclude
func visiblePartitions(catalog *disk.Catalog) []disk.Partition {
	var visible []disk.Partition
	for _, p := range catalog.ListPartitions() {
		if cfg.Excluded(p.ParentPath) {
			logger.Debug("hiding excluded partition", "partition", p.Path, "device", p.ParentPath)
			continue
		}
		visible = append(visible, p)
	}
	return visible
}

// lookupPartition finds path among the partitions of all disks
func lookupPartition(catalog *disk.Catalog, path string) (disk.Partition, error) {
	for _, p := range catalog.ListPartitions() {
		if p.Path == path {
			return p, nil
		}
	}
	return disk.Partition{}, fmt.Errorf("partition %s: %w", path, disk.ErrNotFound)
}

func runPartitions(cmd *cobra.Command, args []string) error {
	catalog := disk.NewCatalog(newBackend(), logger)
	partitions := visiblePartitions(catalog)

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		if partitions == nil {
			partitions = []disk.Partition{}
		}
		return printJSON(out, partitions)
	}

	if len(partitions) == 0 {
		fmt.Fprintln(out, "No partitions found.")
		return nil
	}
	printPartitions(out, partitions)
	return nil
}

func printPartitions(w io.Writer, partitions []disk.Partition) {
	fmt.Fprintf(w, "%-20s %-16s %-8s %10s\n", "PARTITION", "DISK", "FS", "SIZE")
	for _, p := range partitions {
		fsType := p.FSType
		if fsType == "" {
			fsType = "-"
		}
		fmt.Fprintf(w, "%-20s %-16s %-8s %10s\n", p.Path, p.ParentPath, fsType, humanize.IBytes(p.Size))
	}
}

func runESP(cmd *cobra.Command, args []string) error {
	if !disk.IsEFIBooted() {
		logger.Warn("system was not booted through UEFI, the ESP will not be used by firmware")
	}

	catalog := disk.NewCatalog(newBackend(), logger)
	esp, err := catalog.FindESPPartition(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(out) {
		return printJSON(out, esp)
	}
	fsType := esp.FSType
	if fsType == "" {
		fsType = "unformatted"
	}
	fmt.Fprintf(out, "%s (%s)\n", esp.Path, fsType)
	return nil
}

func runFormat(cmd *cobra.Command, args []string) error {
	fsFlag, _ := cmd.Flags().GetString("fs")
	forceDefault, _ := cmd.Flags().GetBool("default")
	confirmed, _ := cmd.Flags().GetBool("yes")

	backend := newBackend()
	catalog := disk.NewCatalog(backend, logger)
	p, err := lookupPartition(catalog, args[0])
	if err != nil {
		return err
	}
	if fsFlag != "" {
		if err := disk.CheckFSType(fsFlag); err != nil {
			return fmt.Errorf("--fs: %w", err)
		}
		p.FSType = fsFlag
	} else {
		p = disk.FillFSType(p, forceDefault)
	}

	tool, toolArgs, err := disk.FormatCommand(p)
	if err != nil {
		return err
	}
	if !confirmed {
		return fmt.Errorf("refusing to erase %s without --yes (would run %s %v)", p.Path, tool, toolArgs)
	}

	provisioner := disk.NewProvisioner(runner, logger)
	formatErr := provisioner.FormatPartition(context.Background(), p)
	backend.Invalidate()

	if j := recorder(); j != nil {
		defer j.Close()
		event := &journal.DiskEvent{
			EventType:  journal.EventFormat,
			DevicePath: p.Path,
			ParentPath: p.ParentPath,
			FSType:     p.FSType,
		}
		details := map[string]any{"tool": tool, "args": toolArgs}
		if err := j.RecordDiskEvent(event, details, formatErr); err != nil {
			logger.Warn("failed to journal format", "partition", p.Path, "error", err)
		}
	}
	if formatErr != nil {
		return formatErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s on %s\n", p.FSType, p.Path)
	return nil
}

func runFstab(cmd *cobra.Command, args []string) error {
	appendTo, _ := cmd.Flags().GetString("append")
	mountPath := args[1]

	catalog := disk.NewCatalog(newBackend(), logger)
	p, err := lookupPartition(catalog, args[0])
	if err != nil {
		return err
	}

	builder := disk.NewFstabBuilder(disk.NewBlkidResolver(runner))
	entry, buildErr := builder.FstabEntries(p, mountPath)

	if j := recorder(); j != nil {
		defer j.Close()
		event := &journal.DiskEvent{
			EventType:  journal.EventFstab,
			DevicePath: p.Path,
			ParentPath: p.ParentPath,
			FSType:     p.FSType,
			MountPath:  mountPath,
		}
		var details map[string]any
		if buildErr == nil {
			details = map[string]any{"entry": entry}
		}
		if err := j.RecordDiskEvent(event, details, buildErr); err != nil {
			logger.Warn("failed to journal fstab entry", "partition", p.Path, "error", err)
		}
	}
	if buildErr != nil {
		return buildErr
	}

	if appendTo == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), entry)
		return err
	}

	f, err := os.OpenFile(appendTo, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", appendTo, err)
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", appendTo, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", appendTo, err)
	}
	logger.Info("mount entry written", "partition", p.Path, "mount", mountPath, "file", appendTo)
	return nil
}
