// Package redis connects to the Redis instance backing the bus sequencer,
// backlog and cross-process notifications. Startup retries smooth over the
// window where the service comes up before Redis does.
package redis
