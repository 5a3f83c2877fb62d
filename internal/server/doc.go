// Package server hosts the Fiber HTTP service, request middleware chain, and
// site registry glue that wires Host header resolution into cache controllers.
// A single binary bootstraps Fiber, attaches logging and recovery middlewares,
// injects the SiteRegistry built from config, and exposes router constructors
// that other packages (main, controller) can reuse. Control and diagnostics
// surfaces live under /-/ and bypass site resolution, so keep exports narrow
// and accept explicit dependencies.
package server
