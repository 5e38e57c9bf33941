// Package site manages the global broadcast channels every connected client
// follows regardless of what it is looking at: "/site/read-only" for
// maintenance mode and "/global/asset-version" for cache-busting deployed
// assets. Both are backed by shared state (Redis, the bus backlog) so that
// every process in a multi-process deployment answers consistently.
package site
