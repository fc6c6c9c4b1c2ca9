// Package core implements the artifact resolution and linking engine.
//
// The compiler cache may hold several hash-suffixed candidates for the same
// crate. Nothing in the file names says which one is current, so the engine
// treats resolution as a constructive search: it stages a candidate object
// and a candidate archive into a scratch directory, asks the external linker
// to produce an image, and keeps every combination the linker accepts. Among
// those, the one built from the most recently created archive wins.
//
// # Components
//
//   - Manifest / ManifestPolicy: parse compiler dependency files and pick the
//     archive and object inputs that belong to the crate.
//   - Catalog: sorted listing of candidate manifests in the deps directory.
//   - Stager: the per-attempt scratch directory and the binary output tree.
//   - Assembler, Extractor, Linker: thin wrappers over nasm, ar and ld,
//     executed through a ToolRunner.
//   - Resolver: the bounded grid search with its circuit Breaker.
//   - Select: the freshness policy over successful attempts.
//
// # Errors
//
// ConfigError means the engine's assumptions about the output layout no
// longer hold and the run must stop. ToolchainError is scoped to a single
// candidate attempt and is absorbed by the search. NoViableBuildError is the
// soft outcome of a search that produced nothing linkable.
package core
