// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// An empty instance.id is replaced by a random UUID at load time, so every
// process gets its own broker channel.
package config
