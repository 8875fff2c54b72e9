// Package kms derives the signing and encryption keys of the peers hosted by
// this process.
//
// Peer private keys are never persisted. A peer's keys are recomputed from a
// process master key and the peer's (account, context, key nonce) triple,
// so a restarted process recovers the same identity from the nonce stored in
// the account metadata. A reset bumps the nonce and yields a new identity.
//
// # SimpleKMS
//
// Derives keys deterministically from a master key held in memory.
//
// # ShamirKMS
//
// Keeps the master key split into Shamir shares held by administrators. The
// KMS starts locked; once a threshold of administrator-signed shares has been
// submitted the master key is reconstructed in memory and a SimpleKMS is
// available:
//
//	shamirKMS, shares, err := kms.NewShamirKMS(masterKey, kms.ShamirConfig{
//	    Threshold:    2,
//	    AdminPubKeys: adminKeys,
//	})
//
//	// later, in a fresh process
//	recovery, err := kms.NewShamirKMSRecovery(kms.ShamirConfig{...})
//	err = recovery.SubmitShare(0, shares[0], sig0, adminKeys[0])
//	err = recovery.SubmitShare(1, shares[1], sig1, adminKeys[1])
//	keys := recovery.SimpleKMS()
package kms
