// Package all imports all stub packages to ensure they register via init().
// Import this package in session setup to enable all stubs.
//
// Example:
//
//	import _ "github.com/zboralski/vhook/internal/stubs/all"
package all

import (
	_ "github.com/zboralski/vhook/internal/stubs/libc"
)
