// Package config loads environment-backed configuration structs. Each struct
// type is parsed once per process and cached; a .env file in the working
// directory is honored when present, which keeps local development close to
// the container setup without extra tooling.
package config
