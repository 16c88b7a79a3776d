// Package config loads the objstore process configuration.
//
// Configuration comes from three sources, applied in order: built-in defaults, one or
// more JSON or YAML files, and OBJSTORE_* environment variables. Every file layer is
// checked against an embedded JSON schema before it is merged, and the merged result
// is checked again by Config.Validate.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml") // overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Layer Merging
//
// Objects merge key by key, everything else (lists included) is replaced:
//
//	base.yaml:
//	  nats: {urls: ["nats://a:4222"], max_reconnects: 3}
//
//	production.yaml:
//	  nats: {max_reconnects: 20}
//
//	Result:
//	  nats: {urls: ["nats://a:4222"], max_reconnects: 20}
//
// # Environment Variable Overrides
//
//	OBJSTORE_NATS_URLS       comma-separated server list
//	OBJSTORE_NATS_USERNAME   NATS user
//	OBJSTORE_NATS_PASSWORD   NATS password
//	OBJSTORE_NATS_TOKEN      NATS token
//	OBJSTORE_TRANSPORT       nats or local
//	OBJSTORE_DATA            bbolt file of the local transport
//	OBJSTORE_LOG_LEVEL       debug, info, warn, error
//	OBJSTORE_LOG_FORMAT      json, text
//
// # Buckets
//
// Buckets listed under "buckets" are created at startup. Durations are Go duration
// strings, with a "d" suffix for whole days:
//
//	buckets:
//	  - name: configs
//	    chunk_size: 131072
//	    ttl: 30d
//	    storage: file
//	    reclaim: true
//
// # Security
//
// Files are limited to 10MB, JSON nesting to 100 levels, and relative paths may not
// leave the working directory.
package config
