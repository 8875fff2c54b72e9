// Package interfaces defines the types shared across octagon packages,
// separating them from their implementations.
//
// # Identity and addressing
//
//   - PeerID: hex digest identifying a peer in an account's trust graph
//   - AccountID and ContainerKey: a container serves one (account, context) pair
//   - PolicyVersion: a policy document number and the hash of its content
//   - ContentID: 32-byte SHA-256 hash for content addressing
//
// # Storage
//
// StorageBackend is a content-addressed store for policy documents and
// archived revisions. StorageBackendFactory creates backends from location
// URIs and aggregates them. MetadataStore persists small mutable records
// such as container state.
//
// # Key shares
//
// KeyShareProvider supplies the view keys a sponsor shares with a new peer,
// and KeyShareConsumer receives the PolicyUpdate describing what the local
// peer may access whenever its policy or role changes.
//
// # Errors
//
// Every trust operation fails with an *Error carrying a Code. Codes are
// grouped into kinds (policy, recovery credential, capability, transient,
// state, validation, internal) so callers can decide on retries and
// presentation with IsKind and IsTransient.
package interfaces
