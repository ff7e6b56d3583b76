/*
Package log provides structured logging shared by the master, worker,
and client engine, wrapping zerolog behind a single global instance.

Init must be called once, early in main, before any component logs.
Component-scoped child loggers are created with WithComponent,
WithWorkerURL, WithClientID, and WithFunctionKey so that log lines
from the registry, the heartbeat loop, and the dispatch loop can be
told apart without threading a logger through every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	wlog := log.WithWorkerURL(workerURL)
	wlog.Info().Msg("registered with master")
*/
package log
