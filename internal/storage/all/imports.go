// Package all wires all built-in storage backends into the storage factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) causes the init functions of each concrete storage backend to run,
// which in turn register their factories with the storage package.
//
// In other words, importing this package makes the following storage kinds
// available at runtime:
//
//   - "postgres" (sensorbatch/internal/storage/postgres)
//   - "sqlite"   (sensorbatch/internal/storage/sqlite)
//
// Typical usage (in cmd/sensorbatch/main.go or a similar wiring layer):
//
//	import _ "sensorbatch/internal/storage/all" // enable all built-in backends
//
// This pattern keeps backend-specific wiring in a single, small package and
// allows the rest of the application to depend only on the storage abstraction
// rather than individual backends.
package all

import (
	_ "sensorbatch/internal/storage/postgres"
	_ "sensorbatch/internal/storage/sqlite"
)
