/*
Package log provides structured logging for standforge built on zerolog.

Call Init once at startup, then take child loggers scoped to a component or
to the entity being worked on:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("replicator")
	logger.Info().Int("vmid", 9001).Str("node", "pve2").Msg("template ready")

Console output is the default; JSONOutput switches to machine-readable lines
for automation.
*/
package log
