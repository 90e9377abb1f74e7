// Package dedupe remembers recently accepted client message IDs so that a
// retried sendMessage is answered as a duplicate instead of persisted twice.
package dedupe
