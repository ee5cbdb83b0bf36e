// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
)

// Exit codes for the administrative tools.
const (
	ExitOK                  = 0
	ExitConfigError         = 2
	ExitDatabaseUnreachable = 3
	ExitUnknownTaskKind     = 4
)

// Configuration contains all configuration values that are not specific to a
// certain store driver.
type Configuration struct {
	// LibrarianName is our own site name; the librarians table contains a row
	// with this name representing ourselves.
	LibrarianName string
	// APIPublicURL is the base URL under which peers reach our HTTP API.
	APIPublicURL url.URL
	DatabaseURL  url.URL

	Server ServerConfig
}

// ServerConfig is the structured server config document (spec'd stores and
// peers). It is applied to the catalog at startup.
type ServerConfig struct {
	ListenAddress string        `json:"listen_address"`
	LibrarianName string        `json:"librarian_name"`
	PublicURL     string        `json:"public_url"`
	Stores        []StoreConfig `json:"stores"`
	Peers         []PeerConfig  `json:"peers"`

	// ChecksumCacheTimeout bounds how long a cached instance checksum may be
	// reused by integrity checks before re-hashing. Zero disables the cache.
	ChecksumCacheTimeout Duration `json:"checksum_cache_timeout"`
}

// StoreConfig declares one local store.
type StoreConfig struct {
	Name          string `json:"name"`
	Backend       string `json:"backend"`
	Root          string `json:"root"`
	CapacityBytes int64  `json:"capacity_bytes"`
	Ingestable    bool   `json:"ingestable"`
	Enabled       bool   `json:"enabled"`
}

// PeerConfig declares one peer librarian.
type PeerConfig struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	AuthToken  string   `json:"auth_token"`
	Transports []string `json:"transports"`
}

// GetDatabaseURLFromEnvironment reads the LIBRARIAN_DB_* environment variables.
func GetDatabaseURLFromEnvironment() url.URL {
	return must.Return(easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("LIBRARIAN_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("LIBRARIAN_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("LIBRARIAN_DB_USERNAME", "postgres"),
		Password:          os.Getenv("LIBRARIAN_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("LIBRARIAN_DB_CONNECTION_OPTIONS"),
		DatabaseName:      osext.GetenvOrDefault("LIBRARIAN_DB_NAME", "librarian"),
	}))
}

// ParseConfiguration obtains a librarian.Configuration instance from the
// LIBRARIAN_CONFIG_PATH document and the corresponding environment variables.
// Aborts on error.
func ParseConfiguration() Configuration {
	logg.Debug("parsing configuration...")

	serverCfg, err := LoadServerConfig(osext.MustGetenv("LIBRARIAN_CONFIG_PATH"))
	if err != nil {
		logg.Fatal(err.Error())
	}

	publicURL, err := url.Parse(serverCfg.PublicURL)
	if err != nil {
		logg.Fatal("malformed public_url: %s", err.Error())
	}

	return Configuration{
		LibrarianName: serverCfg.LibrarianName,
		APIPublicURL:  *publicURL,
		DatabaseURL:   GetDatabaseURLFromEnvironment(),
		Server:        serverCfg,
	}
}

// LoadServerConfig reads and validates the server config document.
func LoadServerConfig(path string) (ServerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("cannot read server config: %w", err)
	}

	var cfg ServerConfig
	err = UnmarshalJSONStrict(buf, &cfg)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("cannot parse server config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the server config for the mistakes that we can find without
// touching the database or the stores.
func (cfg ServerConfig) Validate() error {
	if cfg.LibrarianName == "" {
		return fmt.Errorf("missing librarian_name")
	}
	if cfg.PublicURL == "" {
		return fmt.Errorf("missing public_url")
	}

	storeNames := make(map[string]bool)
	for _, store := range cfg.Stores {
		if store.Name == "" {
			return fmt.Errorf("store with empty name")
		}
		if storeNames[store.Name] {
			return fmt.Errorf("duplicate store name %q", store.Name)
		}
		storeNames[store.Name] = true
		if store.CapacityBytes <= 0 {
			return fmt.Errorf("store %q: capacity_bytes must be positive", store.Name)
		}
	}

	peerNames := make(map[string]bool)
	for _, peer := range cfg.Peers {
		if peer.Name == "" {
			return fmt.Errorf("peer with empty name")
		}
		if peerNames[peer.Name] {
			return fmt.Errorf("duplicate peer name %q", peer.Name)
		}
		peerNames[peer.Name] = true
		for _, transport := range peer.Transports {
			if transport != "network" && transport != "sneakernet" {
				return fmt.Errorf("peer %q: unknown transport %q", peer.Name, transport)
			}
		}
	}
	return nil
}

// UnmarshalJSONStrict is like yaml.UnmarshalStrict(), but for JSON. Unknown
// fields are configuration errors.
func UnmarshalJSONStrict(buf []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
