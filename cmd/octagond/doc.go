// Package main (cmd/octagond) serves the octagon change feed and hosts device
// trust containers.
//
// The daemon keeps the authoritative per-account trust data in memory and
// serves it at /api/feed. Accepted revisions can additionally be archived to
// one or more content stores (--content-store), which also back the policy
// document cache.
//
// Hosted devices are containers the daemon operates itself, under
// /api/devices. Their keys are derived either from --master-key or, when
// --admin-keys-file is given, from a master key the administrators generate
// or reconstruct through the /admin API. Until that bootstrap completes,
// /readyz reports "locked" and hosted device operations fail with 503.
//
// Example usage with a master key:
//
//	octagond --listen-addr=0.0.0.0:8080 \
//	    --master-key=0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef \
//	    --metadata-store=file:///var/lib/octagon/state \
//	    --content-store=file:///var/lib/octagon/content
//
// Example usage with the admin bootstrap:
//
//	octagond --listen-addr=0.0.0.0:8080 \
//	    --admin-keys-file=./admins.txt \
//	    --metadata-store=vault://vault.internal:8200/secret/octagon
package main
