// Package bootstrap provides application initialization and lifecycle management.
// It builds the rule index, wires the search service and serves the HTTP API.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configFile)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal or server failure
//	err = app.WaitForShutdown(ctx)
package bootstrap
