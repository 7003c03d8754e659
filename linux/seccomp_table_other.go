//go:build !amd64 && !arm64

package linux

// No syscall table on unsupported architectures: every name is unknown,
// so configuration validation fails at startup, matching the error
// nativeAuditArch reports for the same build.
var syscallMap = map[string]int{}
