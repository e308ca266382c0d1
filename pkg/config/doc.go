// Package config loads cmd/sandboxd's configuration tree from a YAML file
// and SANDBOX_*-prefixed environment variables via spf13/viper, with
// defaults for every field so a bare `sandboxd` works against a local
// containerd and an embedded BoltDB store.
package config
