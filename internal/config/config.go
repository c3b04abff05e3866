// Package config holds process-wide flags that do not belong to any one
// component.
package config

// DebugEnabled gates utils.DebugLog. Set from the --debug CLI flag.
var DebugEnabled bool
