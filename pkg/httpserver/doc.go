// Package httpserver wraps http.Server with signal handling and graceful
// shutdown. Defaults are tuned for held connections: the write timeout is
// disabled because long polls, SSE streams and websockets legitimately keep
// a response open for minutes.
package httpserver
