package version

// VERSION is overridden at build time with -ldflags.
var VERSION = "dev"

// AppVersion identifies the process to the brokers it connects to.
func AppVersion() string {
	return "senser/" + VERSION
}
