// Package acquisition assembles a frame acquisition run from configuration.
//
// A run is one producer pulling frames from a camera (or a synthetic source),
// an optional closed exposure loop that steers the camera toward a target
// brightness, a bounded hand-off queue, and one or more persistence workers
// that convert frames to grayscale and write every Nth one to a directory or
// an object store.
//
// Usage:
//
//	cfg, err := config.Load("acquire.yaml")
//	if err != nil { ... }
//	sys, err := acquisition.Build(ctx, cfg)
//	if err != nil { ... }
//	defer sys.Close()
//	err = sys.Run(ctx) // until ctx is cancelled, end of stream, or a fatal stage error
//
// Optional pieces are switched on by configuration: a SQLite catalog of
// persisted frames, MQTT lifecycle events and a Prometheus endpoint.
package acquisition
