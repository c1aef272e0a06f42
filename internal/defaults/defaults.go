// Package defaults provides embedded copies of the default daemon and
// workspace configuration files, written by the sidecard init subcommand.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/daemon.example.yaml . && cp ../../examples/vault.example.json ."

// DaemonYAML is the embedded default daemon configuration file
// (daemon.example.yaml in this directory), written by sidecard init.
//
//go:embed daemon.example.yaml
var DaemonYAML []byte

// VaultJSON is the embedded default workspace configuration file
// (vault.example.json in this directory), written by sidecard init.
//
//go:embed vault.example.json
var VaultJSON []byte
