/*
Package log provides structured logging via zerolog: a global Logger,
Init(Config) to switch between JSON and console output, and
per-entity child-logger constructors for the three IDs that recur
throughout the control plane — host, lease, vm.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	log.Info("fleetd starting")

	leaseLog := log.WithLeaseID(lease.LeaseID)
	leaseLog.Info().Str("host_id", lease.HostID).Msg("lease booting")

	log.Logger.Error().Err(err).Str("host_id", hostID).Msg("heartbeat rejected")

Component loggers compose with entity loggers via the normal zerolog
With() chain:

	scalerLog := log.WithComponent("scaler").With().Str("label", label).Logger()

# Fields

Every log line carries a timestamp. Entity helpers add exactly one
field each (host_id, lease_id, vm_id, component) so call sites that
need more than one context value build their own child logger with
.With() rather than stacking helper calls.

Never log a bootstrap or session token, even at debug level — only
its hash, which is itself also sensitive enough to omit from routine
logs.
*/
package log
