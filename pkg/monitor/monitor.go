// Package monitor sets up the process-wide structured logger and startup
// banner (C14's ambient logging concern).
package monitor

// SetupEnvironment initializes the global logger at the given level and
// prints the startup banner, simplifying the main bootstrap sequence.
func SetupEnvironment(logLevel string) {
	PrintBanner()
	SetupSlog(logLevel)
}
