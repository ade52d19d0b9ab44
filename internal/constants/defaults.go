package constants

// DefaultVersion is the default version of the application
const DefaultVersion = "0.1.0-dev"

// DefaultGitCommit is the default git commit hash when not provided at build time
const DefaultGitCommit = "unknown"

// DefaultMetricsAddr is the default listen address for the metrics endpoint
const DefaultMetricsAddr = "127.0.0.1:9215"

// MetricsNamespace is the prometheus namespace for all scheduler metrics
const MetricsNamespace = "cronhost"
