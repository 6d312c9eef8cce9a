//go:build retro

package recipe

// IsRetro selects variants for legacy hardware
const IsRetro = true
