// Package config loads the agentflowd configuration from a JSON or TOML file,
// fills defaults and resolves relative paths against the file's directory.
package config
