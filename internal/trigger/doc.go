// Package trigger hosts the out-of-band firing sources: an HTTP webhook
// server and a file watcher. Both fire jobs through Runner.RunTask, the same
// route a cron tick takes.
package trigger
