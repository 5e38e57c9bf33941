// Package pg connects to the Postgres instance behind the tracking
// repository and runs its embedded goose migrations. Migrations ship inside
// the binary (embed.FS), so a deployment is one artifact with no migrations
// directory to mount.
package pg
