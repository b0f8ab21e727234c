// Package dedupe drops repeated webhook deliveries. Providers retry a
// callback until they see a 2xx, so the same message id can arrive more
// than once within a few minutes.
package dedupe
