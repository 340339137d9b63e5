//go:build !linux

package pidresolve

const supported = false
