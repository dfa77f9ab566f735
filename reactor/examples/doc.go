// Package examples contains runnable example programs demonstrating
// the reactor package functionality.
//
// # Examples
//
// The examples directory contains the following subdirectories:
//
//   - 01_echo: A multi-threaded TCP echo server, configured with flags
//     and an optional YAML file
//
// # Running Examples
//
// Each example can be run from the repository root:
//
//	go run ./reactor/examples/01_echo/ --listen 127.0.0.1:2007 --threads 4
//
// Examples require Linux (the reactor is built on epoll).
package examples
