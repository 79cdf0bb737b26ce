// Package secure guards the plaintext of fetched secrets against three
// separate leaks: appearing in a core dump, being swapped to disk, and
// lingering in the Go heap after the secretcache entry that owned them is
// gone. Vault tokens are not covered: the Vault client keeps them as plain
// strings in its sessions.
//
// A SecureBuffer's only caller in this codebase is
// internal/secretcache: every Entry stores its resolved value as a
// SecureBuffer, opened only for the instant it takes to copy the
// plaintext out (see manifest.Pipeline.evaluateTemplate, which builds the
// jsonnet external variable, and manifest.Pipeline.currentSecretValues,
// which collects values for hook-output redaction), and destroyed the moment the
// cache stops treating it as the identity's current value —
// Cache.Invalidate and Cache.Replace both call the outgoing entry's
// Destroy before dropping their own reference, rather than waiting on
// garbage collection. cmd/rconfd calls memguard.Purge on shutdown to
// wipe anything still resident.
//
// # Platform behavior
//
// mlock support (and therefore swap protection) varies by platform;
// where it's unavailable, memguard degrades to standard Go memory
// rather than failing NewSecureBuffer.
//
// It does not protect against an attacker with root on the host, a
// hardware-level attack, or a side channel — only against a plaintext
// secret ending up somewhere that outlives the process holding it.
package secure
