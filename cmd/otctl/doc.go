// Package main (cmd/otctl) is the command-line client for octagon.
//
// The device commands run a trust container locally, persisted in
// --state-dir, against a remote change feed:
//
//	otctl device establish --account dsid-1 --master-key $KEY --feed-url http://127.0.0.1:8080
//	otctl device prepare --account dsid-1 --master-key $KEY2 --state-dir ./b > candidate.json
//	otctl device vouch --account dsid-1 --master-key $KEY --candidate candidate.json > voucher.json
//	otctl device join --account dsid-1 --master-key $KEY2 --state-dir ./b --voucher voucher.json
//
// The admin commands drive the daemon's Shamir bootstrap, and the
// recovery-key and base32 commands work with printable keys offline.
package main
