// Package httpserver provides the operator HTTP surface of the relay.
//
// BaseServer mounts the standard endpoints next to the routes of any
// RouteRegistrar:
//
//   - /livez: the process is up
//   - /readyz: not draining and, if configured, the relay loop is healthy
//   - /drain, /undrain: toggle readiness for load balancers
//   - /debug: pprof, when EnablePprof is set
//
// Usage:
//
//	srv, err := httpserver.New(httpserver.DefaultHTTPServerConfig(":8090", log), relay)
//	if err != nil {
//		return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
