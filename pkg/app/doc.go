// Package app assembles the shared service skeleton: configuration,
// logging, error reporting, proxy header fixing and the HTTP engine.
// Applications embed an App, register their controllers and call Run.
package app
