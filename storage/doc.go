// Package storage provides content-addressed storage backends for share
// export documents and encrypted key backups. Content is identified by its
// SHA-256 hash, so any backend holding the bytes can serve them and replicas
// are verifiable.
//
// Backends are created from location URIs by StorageBackendFactory:
//
//   - file:///var/hsm/exports - local filesystem
//   - s3://bucket/prefix?region=us-east-1 - Amazon S3 or compatible
//   - vault://TOKEN@vault.example.com:8200/secret/hsm - HashiCorp Vault KV v2
//   - ipfs://localhost:5001 - IPFS node
//
// Multiple URIs combine into a MultiStorageBackend that stores to every
// available backend and fetches from the first one that has the content.
package storage
