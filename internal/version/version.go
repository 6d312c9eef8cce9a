package version

// Version is the current version of deploykit.
// This MUST be incremented for each build that includes changes.
// Use semantic versioning: MAJOR.MINOR.PATCH
const Version = "0.9.2"

// Product is the distribution name reported to mirrors and the manifest host.
const Product = "AOSC"

// UserAgent is sent with every outbound HTTP request.
func UserAgent() string {
	return Product + " DeployKit/" + Version
}
