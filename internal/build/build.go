// Package build holds the version information injected at link time.
package build

var (
	// Version is the campsites release version, set with -ldflags.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"

	// Date is the build date in RFC3339.
	Date = "unknown"

	// ProjectName names the service in logs and traces.
	ProjectName = "campsites"
)

// MinimumSupportedDatastoreSchemaRevision is the lowest goose revision the SQL engines can serve from.
const MinimumSupportedDatastoreSchemaRevision = 1
