package disk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"
)

// mkfsFlags holds the per-filesystem arguments placed before the device path.
// Types missing from the table get the generic force flag.
var mkfsFlags = map[string][]string{
	FSExt4:  {"-Fq"},
	FSFat32: {"-F32"},
}

var defaultMkfsFlags = []string{"-f"}

// FormattableFSTypes are the filesystems an explicit format request may name.
// fat32 is accepted here for ESPs but is never recommended for a root.
var FormattableFSTypes = []string{FSExt4, FSXfs, FSBtrfs, FSF2fs, FSFat32}

// CheckFSType returns ErrUnsupportedFSType unless fsType is formattable
func CheckFSType(fsType string) error {
	if !slices.Contains(FormattableFSTypes, fsType) {
		return fmt.Errorf("%q: %w", fsType, ErrUnsupportedFSType)
	}
	return nil
}

// RecommendedFSType returns requested if it is one of AllowedFSTypes,
// otherwise DefaultFSType
func RecommendedFSType(requested string) string {
	if slices.Contains(AllowedFSTypes, requested) {
		return requested
	}
	return DefaultFSType
}

// FillFSType returns a copy of p with FSType set to the filesystem that
// should be created on it. forceDefault always selects DefaultFSType.
func FillFSType(p Partition, forceDefault bool) Partition {
	switch {
	case forceDefault, p.FSType == "":
		p.FSType = DefaultFSType
	default:
		p.FSType = RecommendedFSType(p.FSType)
	}
	return p
}

// Provisioner creates filesystems with the mkfs.* family of tools
type Provisioner struct {
	runner Runner
	logger *slog.Logger
}

// NewProvisioner creates a provisioner. A nil runner uses ExecRunner.
func NewProvisioner(runner Runner, logger *slog.Logger) *Provisioner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provisioner{runner: runner, logger: logger}
}

// FormatCommand returns the tool and arguments used to format p
func FormatCommand(p Partition) (string, []string, error) {
	if p.Path == "" {
		return "", nil, fmt.Errorf("format: partition path: %w", ErrNotFound)
	}
	fsType := p.FSType
	if fsType == "" {
		fsType = DefaultFSType
	}

	flags, ok := mkfsFlags[fsType]
	if !ok {
		flags = defaultMkfsFlags
	}
	args := make([]string, 0, len(flags)+1)
	args = append(args, flags...)
	args = append(args, p.Path)
	return "mkfs." + fsType, args, nil
}

// FormatPartition overwrites p with a new filesystem of p.FSType.
// This destroys everything on the partition.
func (pr *Provisioner) FormatPartition(ctx context.Context, p Partition) error {
	tool, args, err := FormatCommand(p)
	if err != nil {
		return err
	}

	pr.logger.Info("creating filesystem", "partition", p.Path, "tool", tool)
	start := time.Now()

	stdout, stderr, err := pr.runner.Run(ctx, tool, args...)
	if err != nil {
		return &ToolError{
			Tool:   tool,
			Args:   args,
			Stdout: string(stdout),
			Stderr: string(stderr),
			Err:    err,
		}
	}

	pr.logger.Info("filesystem created", "partition", p.Path, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
