// Package storage publishes content-addressed documents produced by the
// provisioning backend: per-customer whitelist snapshots consumed by offline
// mobile clients, and exported verification event archives.
//
// Every document is identified by the SHA-256 hash of its bytes (see
// interfaces.ContentID) and lives in a namespace chosen by its
// interfaces.ContentType, so a snapshot and an archive never collide.
//
// # Storage URI Format
//
// Backends are configured with location URIs:
//
//	file:///var/lib/rfid
//	s3://ACCESS:SECRET@bucket/prefix?region=eu-west-3&endpoint=minio:9000&path_style=true
//	ipfs://ipfs.internal:5001/?timeout=30s
//	vault://TOKEN@vault.internal:8200/secret/rfid
//
// The Vault backend uses the KV v2 engine with paths of the form
// {mount}/data/{path}/{type}/{content_id}. When no token is embedded in the
// URI the client reads VAULT_TOKEN from the environment.
//
// # Multi-Backend Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
//	for _, uri := range uris {
//	    loc, err := interfaces.NewStorageBackendLocation(uri)
//	    if err != nil {
//	        return err
//	    }
//	    locations = append(locations, loc)
//	}
//	backend, err := factory.CreateMultiBackend(locations)
//
// MultiStorageBackend stores to every available backend and fetches from the
// first that holds the document.
package storage
