// Package core defines the leaf data types shared across the nanobot runtime:
// inbound/outbound channel messages, provider-facing chat messages and the
// tool call / tool definition shapes exchanged with model providers.
//
// The package has no dependencies on other nanobot packages so every layer
// (tools, providers, the agent loop, presentation code) can share these types
// without import cycles.
package core
