// Package binder describes the boundary to the process IPC runtime: remote
// service handles, callable proxies, name resolution and the status code space
// returned by remote calls.
//
// Nothing in this package talks to a kernel driver. Implementations live
// elsewhere (see internal/hub for the in-process service manager); the dump
// dispatcher in internal/dumpsys depends only on these interfaces.
package binder
