// Package process supervises the camera streaming daemon.
//
// Some rigs serve the camera through a long-running streamer (mjpg-streamer,
// ustreamer) that exposes a snapshot URL. When camera.daemon.managed is set,
// the controller starts that binary itself, restarts it when it dies or its
// snapshot URL stops answering, and stops it on shutdown.
//
// Example usage:
//
//	sup := process.New(process.ConfigFromCamera(cfg.Camera), logger)
//	g.Go(func() error { return sup.Run(ctx) })
//
// Run blocks until ctx is cancelled or the restart budget is spent.
package process
