// Package control provides the configuration, metrics, and debug
// introspection backing cmd/dsockctl's stats reporting.
//
// Provides concurrent-safe state handling primitives including:
//   - ConfigStore: immutable snapshot config reads, atomic merges, and
//     hot-reload listener dispatch
//   - MetricsRegistry: a Stats() snapshot of adapter-stack counters
//   - DebugProbes: on-demand, platform-partitioned introspection values
package control
