// Package storage keeps a local journal of telemetry deliveries that failed,
// so a developer can see what was lost without a collector.
//
// It is not a redelivery spool: nothing read back from it is sent again.
package storage
