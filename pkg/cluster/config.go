package cluster

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
	"golang.org/x/crypto/sha3"
)

// descriptor mirrors the on-disk shape of a cluster descriptor file:
//
//	nodes:
//	  - { id: 1, host: "127.0.0.1", port: 9001 }
//	  - { id: 2, host: "127.0.0.1", port: 9002 }
type descriptor struct {
	Nodes []NodeAddress `mapstructure:"nodes"`
}

// Load reads a cluster descriptor from pathNoExt, auto-detecting the file's
// encoding the way the original reference implementation's config loader
// does (yaml/json/toml, selected by whichever extension is actually present
// next to pathNoExt). A missing file or an empty roster is a config error,
// fatal at the caller's startup path.
func Load(pathNoExt string) (*Roster, error) {
	v := viper.New()
	dir, base := filepath.Split(pathNoExt)
	if dir == "" {
		dir = "."
	}
	v.SetConfigName(base)
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cluster: loading descriptor %q: %w", pathNoExt, err)
	}

	var d descriptor
	if err := v.Unmarshal(&d); err != nil {
		return nil, fmt.Errorf("cluster: parsing descriptor %q: %w", pathNoExt, err)
	}

	return NewRoster(d.Nodes)
}

// Fingerprint computes a short diagnostic hash of the roster's contents, so
// operators can confirm every replica in a deployment parsed an identical
// cluster descriptor. It never gates any consensus decision; it exists
// purely to surface config drift in logs (each node logs it at startup).
func (r *Roster) Fingerprint() string {
	sorted := r.Peers()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	b, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	sum := sha3.Sum256(b)
	return fmt.Sprintf("%x", sum[:8])
}
