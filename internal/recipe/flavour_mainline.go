//go:build !retro

package recipe

// IsRetro selects variants for legacy hardware. Build with -tags retro to
// produce the retro installer.
const IsRetro = false
