// Package recovery maps raw executor failures onto a structured error
// taxonomy and drives automated remediation. The catalog is data, not
// logic: failure signatures, categories, auto-fix operations and manual
// steps are all supplied as configuration.
package recovery

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

type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
	CategorySystem        Category = "system"
	CategoryUserInput     Category = "user_input"
)

// Entry is one catalog row: a failure signature plus remediation data.
// Matching fields are AND-ed; empty fields match anything. Auto-fix
// operations must be declared safe and idempotent (service restarts,
// rule flushes, cache resets); nothing destructive goes in a catalog.
type Entry struct {
	Code           string         `json:"code"`
	Category       Category       `json:"category"`
	Message        string         `json:"message"`
	MatchOperation string         `json:"match_operation,omitempty"`
	MatchExitCodes []int          `json:"match_exit_codes,omitempty"`
	MatchStderr    string         `json:"match_stderr,omitempty"`
	AutoFix        *ops.Operation `json:"auto_fix,omitempty"`
	ManualSteps    []string       `json:"manual_steps,omitempty"`
}

type catalogFile struct {
	Entries []Entry `json:"entries"`
}

// LoadCatalog reads catalog entries from a JSON file, transparently
// decompressing `.zst` payloads.
func LoadCatalog(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read error catalog: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(path), ".zst") {
		decoder, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("open zstd error catalog %s: %w", path, err)
		}
		raw, err = io.ReadAll(decoder)
		decoder.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress error catalog %s: %w", path, err)
		}
	}
	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse error catalog: %w", err)
	}
	if len(file.Entries) == 0 {
		return nil, fmt.Errorf("error catalog is empty")
	}
	return file.Entries, nil
}

// DefaultCatalog covers the common failure signatures of the tools the
// bypass stack leans on.
func DefaultCatalog() []Entry {
	return []Entry{
		{
			Code:        "permission_denied",
			Category:    CategorySystem,
			Message:     "privileged operation rejected, tetherd is not running with sufficient rights",
			MatchStderr: `(?i)permission denied|operation not permitted|must be root`,
			ManualSteps: []string{
				"Run tetherd as root or grant it CAP_NET_ADMIN.",
				"Check that no MAC policy (SELinux/AppArmor) blocks iptables and sysctl.",
			},
		},
		{
			Code:           "iptables_lock_busy",
			Category:       CategorySystem,
			Message:        "the xtables lock is held by another process",
			MatchOperation: "iptables",
			MatchStderr:    `(?i)xtables lock|resource temporarily unavailable`,
			AutoFix:        &ops.Operation{Name: "iptables", Args: []string{"-w", "5", "-L", "-n"}, TimeoutMS: 8000},
			ManualSteps: []string{
				"Another firewall manager is mutating rules; stop it or retry.",
			},
		},
		{
			Code:        "redsocks_down",
			Category:    CategorySystem,
			Message:     "redsocks transparent proxy service is not running",
			MatchStderr: `(?i)redsocks.*(not running|inactive|failed)|connection refused.*12345`,
			AutoFix:     &ops.Operation{Name: "systemctl", Args: []string{"restart", "redsocks"}, TimeoutMS: 20000},
			ManualSteps: []string{
				"Start redsocks manually and check its configuration file.",
			},
		},
		{
			Code:        "networkmanager_down",
			Category:    CategorySystem,
			Message:     "NetworkManager is not responding",
			MatchStderr: `(?i)networkmanager.*(not running|could not activate)|nmcli.*(refused|unavailable)`,
			AutoFix:     &ops.Operation{Name: "systemctl", Args: []string{"restart", "NetworkManager"}, TimeoutMS: 30000},
			ManualSteps: []string{
				"Restart NetworkManager and re-plug the device.",
			},
		},
		{
			Code:           "dns_redirect_failed",
			Category:       CategoryNetwork,
			Message:        "DNS redirection could not be applied or stopped answering",
			MatchOperation: "iptables",
			MatchStderr:    `(?i)nat.*(no chain|bad rule)|dns`,
			AutoFix:        &ops.Operation{Name: "resolvectl", Args: []string{"flush-caches"}, TimeoutMS: 8000},
			ManualSteps: []string{
				"Flush the nat OUTPUT chain and reconnect.",
			},
		},
		{
			Code:           "interface_not_found",
			Category:       CategoryNetwork,
			Message:        "no tethering interface is present",
			MatchOperation: "iface-discover",
			ManualSteps: []string{
				"Re-plug the USB cable or re-enable WiFi tethering on the phone.",
				"Confirm USB tethering (or the tethering app) is switched on.",
			},
		},
		{
			Code:           "proxy_unreachable",
			Category:       CategoryNetwork,
			Message:        "the device proxy did not answer the validation probe",
			MatchOperation: "proxy-validate",
			MatchStderr:    `(?i)refused|unreachable|no route|timeout|eof`,
			ManualSteps: []string{
				"Verify the proxy app on the phone is running and listening.",
				"Check the proxy port configured in tetherd matches the device.",
			},
		},
		{
			Code:           "proxy_endpoint_invalid",
			Category:       CategoryUserInput,
			Message:        "the configured proxy endpoint is malformed",
			MatchOperation: "proxy-validate",
			MatchStderr:    `(?i)invalid proxy endpoint|missing port|invalid port`,
			ManualSteps: []string{
				"Fix the proxy_port / gateway settings in the configuration file.",
			},
		},
		{
			Code:           "connection_degraded",
			Category:       CategoryNetwork,
			Message:        "connection quality degraded beyond configured thresholds",
			MatchOperation: "health-probe",
			AutoFix:        &ops.Operation{Name: "ip", Args: []string{"route", "flush", "cache"}, TimeoutMS: 8000},
			ManualSteps: []string{
				"Check cellular signal on the device and move it if weak.",
			},
		},
	}
}
