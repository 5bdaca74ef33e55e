// Package scheduler decides when catalog jobs fire.
//
// A fixed tick on the injected clock evaluates every enabled cron job against
// the current minute. Due jobs, and out-of-band firings from webhooks, file
// watches or manual calls, are handed to the router; the scheduler follows
// each returned future and publishes a job.fired event once it settles.
package scheduler
