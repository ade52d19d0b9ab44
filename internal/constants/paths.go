package constants

// DefaultConfigPath is the default path to the config.toml file
const DefaultConfigPath = "./config.toml"

// DefaultWorkspaceDir is the default workspace directory for cron state
const DefaultWorkspaceDir = "."

// HomeEnvVar overrides the home directory used for ~ expansion in paths.
const HomeEnvVar = "CRONHOST_HOME"
