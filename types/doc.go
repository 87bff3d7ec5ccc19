// Package types defines shared types used across the service,
// primarily the unified error taxonomy.
package types
