// Package config loads the two configuration sources of osc.
//
// The kernel project itself is described by cargo's files, read with a
// TOML decoder:
//   - .cargo/config.toml supplies build.target, whose file stem is the
//     target triple naming the profile directories under target/.
//   - Cargo.toml supplies package.name and the emulator arguments under
//     [package.metadata.osc] (test-args, run-args).
//
// Tool names, search bounds and manifest markers come from an optional
// osc.yaml in the project root. Every setting has a default, so a project
// without osc.yaml behaves exactly like one with an empty file. Unknown
// keys are rejected so that a typo does not silently fall back to a
// default.
package config
