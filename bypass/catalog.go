package bypass

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tethercloak/ops"
)

type layerSpec struct {
	ID         string        `json:"id"`
	Ordinal    int           `json:"ordinal"`
	Activate   ops.Operation `json:"activate"`
	Deactivate ops.Operation `json:"deactivate"`
	Verify     ops.Operation `json:"verify,omitempty"`
}

type catalogFile struct {
	Layers []layerSpec `json:"layers"`
}

// LoadCatalog reads an ordered layer catalog from a JSON file,
// transparently decompressing `.zst` payloads.
func LoadCatalog(path string) ([]*Layer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer catalog: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(path), ".zst") {
		decoder, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("open zstd layer catalog %s: %w", path, err)
		}
		raw, err = io.ReadAll(decoder)
		decoder.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress layer catalog %s: %w", path, err)
		}
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates catalog bytes. Ids and ordinals
// must be unique; activate and deactivate operations are mandatory,
// verify is optional.
func ParseCatalog(raw []byte) ([]*Layer, error) {
	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse layer catalog: %w", err)
	}
	if len(file.Layers) == 0 {
		return nil, fmt.Errorf("layer catalog is empty")
	}

	seenID := make(map[string]struct{}, len(file.Layers))
	seenOrdinal := make(map[int]struct{}, len(file.Layers))
	layers := make([]*Layer, 0, len(file.Layers))
	for i, spec := range file.Layers {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("layer #%d: missing id", i)
		}
		if _, dup := seenID[id]; dup {
			return nil, fmt.Errorf("layer %s: duplicate id", id)
		}
		if _, dup := seenOrdinal[spec.Ordinal]; dup {
			return nil, fmt.Errorf("layer %s: duplicate ordinal %d", id, spec.Ordinal)
		}
		if spec.Activate.Zero() {
			return nil, fmt.Errorf("layer %s: missing activate operation", id)
		}
		if spec.Deactivate.Zero() {
			return nil, fmt.Errorf("layer %s: missing deactivate operation", id)
		}
		seenID[id] = struct{}{}
		seenOrdinal[spec.Ordinal] = struct{}{}
		layers = append(layers, &Layer{
			ID:         id,
			Ordinal:    spec.Ordinal,
			Activate:   spec.Activate,
			Deactivate: spec.Deactivate,
			Verify:     spec.Verify,
		})
	}
	return sortedByOrdinal(layers), nil
}

// DefaultCatalog is the built-in disguise stack used when no catalog
// file is configured. Layer order matters: TTL first so every packet
// leaving the phone already looks native, traffic shaping last.
func DefaultCatalog() []*Layer {
	return []*Layer{
		{
			ID:      "ttl_rewrite",
			Ordinal: 10,
			Activate: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "mangle", "-A", "POSTROUTING", "-j", "TTL", "--ttl-set", "65"},
			},
			Deactivate: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "mangle", "-D", "POSTROUTING", "-j", "TTL", "--ttl-set", "65"},
			},
			Verify: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "mangle", "-C", "POSTROUTING", "-j", "TTL", "--ttl-set", "65"},
			},
		},
		{
			ID:      "ipv6_block",
			Ordinal: 20,
			Activate: ops.Operation{
				Name: "sysctl",
				Args: []string{"-w", "net.ipv6.conf.all.disable_ipv6=1"},
			},
			Deactivate: ops.Operation{
				Name: "sysctl",
				Args: []string{"-w", "net.ipv6.conf.all.disable_ipv6=0"},
			},
			Verify: ops.Operation{
				Name: "sh",
				Args: []string{"-c", "test \"$(sysctl -n net.ipv6.conf.all.disable_ipv6)\" = 1"},
			},
		},
		{
			ID:      "dns_redirect",
			Ordinal: 30,
			Activate: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "nat", "-A", "OUTPUT", "-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", "5353"},
			},
			Deactivate: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "nat", "-D", "OUTPUT", "-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", "5353"},
			},
			Verify: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "nat", "-C", "OUTPUT", "-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", "5353"},
			},
		},
		{
			ID:      "os_fingerprint",
			Ordinal: 40,
			Activate: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "mangle", "-A", "POSTROUTING", "-p", "tcp", "-j", "TCPMSS", "--set-mss", "1400"},
			},
			Deactivate: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "mangle", "-D", "POSTROUTING", "-p", "tcp", "-j", "TCPMSS", "--set-mss", "1400"},
			},
			Verify: ops.Operation{
				Name: "iptables",
				Args: []string{"-t", "mangle", "-C", "POSTROUTING", "-p", "tcp", "-j", "TCPMSS", "--set-mss", "1400"},
			},
		},
		{
			ID:      "traffic_shape",
			Ordinal: 50,
			Activate: ops.Operation{
				Name: "tc",
				Args: []string{"qdisc", "add", "dev", "{iface}", "root", "fq_codel"},
			},
			Deactivate: ops.Operation{
				Name: "tc",
				Args: []string{"qdisc", "del", "dev", "{iface}", "root"},
			},
			Verify: ops.Operation{
				Name: "sh",
				Args: []string{"-c", "tc qdisc show dev {iface} | grep -q fq_codel"},
			},
		},
	}
}
