// Package storage persists the octagon daemon's content-addressed data and
// per-container metadata.
//
// Content-addressed data are policy documents (addressed by their policy
// hash) and archived peer revisions. Either can be kept on several backends:
//
//   - file:///var/lib/octagon/content
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - vault://vault.example.com:8200/secret/octagon
//
// MultiStorageBackend stores to every available backend and fetches from
// the first that returns data whose hash matches the requested ID.
//
// Container metadata (change-feed cursor, trust graph snapshot, key
// derivation nonce) is mutable and is kept in a MetadataStore, either a
// directory of files or a Vault KV mount:
//
//	factory := storage.NewStorageBackendFactory(log).WithTLSAuth(loadClientCert)
//	store, err := factory.MetadataStoreFor(loc)
//	err = store.Save(ctx, "dsid-1/defaultContext", data)
package storage
