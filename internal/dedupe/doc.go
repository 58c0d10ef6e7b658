// Package dedupe remembers recently forwarded envelope ids so a push frame
// redelivered by the remote is acknowledged without being forwarded twice.
package dedupe
