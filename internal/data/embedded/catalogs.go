// Package embedded provides access to data files compiled into the binary.
package embedded

import _ "embed"

// ModelCatalogData contains the per-provider model catalog YAML.
//
//go:embed models.yaml
var ModelCatalogData []byte
