/*
Package httpserver runs the octagond HTTP surface.

Depending on the configured Handlers the server exposes:

  - the change feed API (see api/feedhandler) under /api/feed
  - hosted device containers under /api/devices and their diagnostic dumps
    under /api/dump/{account}/{context}
  - the administrator API under /admin, which unlocks the master key the
    hosted device keys are derived from
  - /livez, /readyz, /drain and /undrain for orchestration

# Master key bootstrap

The master key never touches disk. On first start an administrator calls
POST /admin/init/generate; the key is split with Shamir's secret sharing
into one share per registered administrator and each share is sealed to
that administrator's public key. The bootstrap completes once every
administrator retrieved their share with GET /admin/share.

After a restart POST /admin/init/recover puts the server in recovery mode
and administrators submit their signed shares with POST /admin/share until
the threshold is reached.

Every admin request is authenticated with the X-Admin-Key and
X-Admin-Signature headers, see SignAdminRequest. Until the bootstrap
completes, /readyz reports "locked" and device operations fail with
ErrKMSLocked.
*/
package httpserver
