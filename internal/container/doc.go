// SPDX-License-Identifier: MPL-2.0

// Package container provides one Engine abstraction over the container
// runtimes relic can delegate execution to.
//
// DockerEngine and PodmanEngine drive the respective CLIs and share argument
// construction and command execution through BaseCLIEngine. APIEngine talks
// to the Docker Engine API directly and delegates image builds to the docker
// CLI. Containers are always started detached; callers follow their logs,
// wait for the exit code, and remove them afterwards.
//
// Engine selection uses NewEngine(EngineType), which falls back between
// docker and podman when the preferred CLI is unavailable.
package container
