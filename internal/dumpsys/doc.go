// Package dumpsys retrieves handles to remote services by name and invokes
// their diagnostic dump operation, returning the text the service wrote.
//
// Every client owns exactly one Worker: a goroutine fed by a FIFO queue that
// performs the remote calls. Callers block on their own pipe until the remote
// side closes it, then read the status the worker recorded for that task.
// Dumps issued through one client therefore never overlap, even when they
// come from different goroutines.
//
// Three shapes are offered:
//   - Dump resolves a name and dumps it once.
//   - Bound resolves one service at construction and keeps the handle.
//   - Dumpsys caches handles by name; Insert must precede Dump.
//
// Close on Bound or Dumpsys shuts the worker down after the tasks already
// queued have run.
package dumpsys
