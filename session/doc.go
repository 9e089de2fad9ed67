// Package session keeps a catalog of plugin descriptors found on disk.
//
// Discovery uses a two-tier cache:
//   - a quick index (index.json) mapping each plugin URI to its descriptor
//     file, name, vendor and a checksum of the file bytes
//   - validated descriptors under details/<hash>.json, reused while the
//     checksum of the source file is unchanged
//
// Refresh rescans the directory in parallel and reports what was added,
// removed or changed. Get deduplicates concurrent loads of the same URI.
//
// Consumers can attach a MetricsHook to observe timings and cache behavior.
package session
