// Package octagon drives the local device through its trust lifecycle for
// the signed-in account.
//
// A Machine starts in StateNoAccount. Once an account is available it moves
// to StateUntrusted, and to StateReady after establishing or joining the
// account's trust graph. Joining with an inheritance key leads to
// StateInherited instead, where the device may decrypt but never originates
// trust mutations or key shares. A reset, or a fetch concluding that the
// local peer was excluded, returns the machine to StateUntrusted. Signing out
// returns it to StateNoAccount from anywhere.
//
// Every change of policy or trust role is forwarded to the key-share
// consumer.
package octagon
