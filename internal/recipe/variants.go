package recipe

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
)

// ErrArchUnsupported is returned when the host has no manifest architecture
var ErrArchUnsupported = errors.New("unsupported architecture")

// reservedVariant is published in the manifest for internal tooling only
const reservedVariant = "BuildKit"

// archTags maps machine names to manifest architecture tags
var archTags = map[string]string{
	"x86_64":  "amd64",
	"x86":     "i486",
	"powerpc": "powerpc",
	"aarch64": "arm64",
	"mips64":  "loongson3",
}

// goarchMachines maps GOARCH values to machine names
var goarchMachines = map[string]string{
	"amd64":    "x86_64",
	"386":      "x86",
	"arm64":    "aarch64",
	"mips64":   "mips64",
	"mips64le": "mips64",
}

// HostMachine returns the machine name of the running binary
func HostMachine() string {
	if m, ok := goarchMachines[runtime.GOARCH]; ok {
		return m
	}
	return runtime.GOARCH
}

// ArchTag returns the manifest architecture tag for a machine name
func ArchTag(machine string) (string, error) {
	tag, ok := archTags[machine]
	if !ok {
		return "", fmt.Errorf("%q: %w", machine, ErrArchUnsupported)
	}
	return tag, nil
}

// Resolver picks installable variants for one machine and build flavour
type Resolver struct {
	Machine string
	Retro   bool
}

// NewResolver returns a resolver for the running host and build
func NewResolver() Resolver {
	return Resolver{Machine: HostMachine(), Retro: IsRetro}
}

// FindVariantCandidates resolves variants for the running host and build
func FindVariantCandidates(r *Recipe) ([]VariantEntry, error) {
	return NewResolver().Candidates(r)
}

// Candidates returns the newest matching tarball of every eligible
// variant, sorted by variant name. Variants without a tarball for the
// architecture are left out.
func (res Resolver) Candidates(r *Recipe) ([]VariantEntry, error) {
	arch, err := ArchTag(res.Machine)
	if err != nil {
		return nil, err
	}

	results := []VariantEntry{}
	seen := make(map[string]int)
	for _, v := range r.Variants {
		if v.Retro != res.Retro || len(v.Tarballs) == 0 || v.Name == reservedVariant {
			continue
		}

		var newest *Tarball
		for i := range v.Tarballs {
			t := &v.Tarballs[i]
			if t.Arch != arch {
				continue
			}
			if newest == nil || t.Date > newest.Date {
				newest = t
			}
		}
		if newest == nil {
			continue
		}

		entry := VariantEntry{
			Name:        v.Name,
			Size:        clampSize(newest.DownloadSize),
			InstallSize: clampSize(newest.InstSize),
			Date:        newest.Date,
			SHA256Sum:   newest.SHA256Sum,
			URL:         newest.Path,
		}
		// a name listed twice keeps only its newest tarball
		if i, dup := seen[v.Name]; dup {
			if entry.Date > results[i].Date {
				results[i] = entry
			}
			continue
		}
		seen[v.Name] = len(results)
		results = append(results, entry)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results, nil
}

func clampSize(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
