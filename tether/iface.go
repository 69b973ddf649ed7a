package tether

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/sirupsen/logrus"

	"tethercloak/ops"
)

type Kind string

const (
	KindUSB  Kind = "usb"
	KindWiFi Kind = "wifi"
)

// InterfaceInfo describes the active tethering path. Captured once per
// connection attempt and treated as immutable until disconnect.
type InterfaceInfo struct {
	Name      string
	Kind      Kind
	Gateway   string
	ProxyPort int
}

// ProxyAddr is the device-side HTTP proxy endpoint.
func (i InterfaceInfo) ProxyAddr() M.Socksaddr {
	return M.ParseSocksaddr(net.JoinHostPort(i.Gateway, strconv.Itoa(i.ProxyPort)))
}

// Vars exposes the captured values for layer operation templating.
func (i InterfaceInfo) Vars() map[string]string {
	return map[string]string{
		"iface":      i.Name,
		"gateway":    i.Gateway,
		"proxy_port": strconv.Itoa(i.ProxyPort),
	}
}

// InterfaceResolver discovers the tethering interface and gateway.
type InterfaceResolver interface {
	Resolve(ctx context.Context) (InterfaceInfo, error)
}

// Resolver finds the tether interface by asking the routing table
// first and falling back to a link scan. Both queries run through the
// operation executor like every other privileged call.
type Resolver struct {
	runner    ops.Runner
	routeOp   ops.Operation
	linkOp    ops.Operation
	proxyPort int
}

func NewResolver(runner ops.Runner, proxyPort int) *Resolver {
	if proxyPort <= 0 {
		proxyPort = 8000
	}
	return &Resolver{
		runner:    runner,
		routeOp:   ops.Operation{Name: "ip", Args: []string{"route", "show", "default"}},
		linkOp:    ops.Operation{Name: "ip", Args: []string{"-o", "link", "show", "up"}},
		proxyPort: proxyPort,
	}
}

func (r *Resolver) Resolve(ctx context.Context) (InterfaceInfo, error) {
	routeRes := r.runner.Run(ctx, r.routeOp)
	if !routeRes.OK() {
		return InterfaceInfo{}, &OpError{Result: routeRes}
	}
	if gw, dev, ok := parseDefaultRoute(routeRes.Stdout); ok {
		if kind, tether := classifyInterfaceName(dev); tether {
			info := InterfaceInfo{Name: dev, Kind: kind, Gateway: gw, ProxyPort: r.proxyPort}
			logrus.Infof("[Resolver] tether interface %s (%s) via %s", dev, kind, gw)
			return info, nil
		}
	}

	linkRes := r.runner.Run(ctx, r.linkOp)
	if !linkRes.OK() {
		return InterfaceInfo{}, &OpError{Result: linkRes}
	}
	for _, name := range parseLinkNames(linkRes.Stdout) {
		if _, tether := classifyInterfaceName(name); tether {
			return InterfaceInfo{}, discoveryFailure(fmt.Sprintf("tethering interface %s is up but carries no default route", name))
		}
	}
	return InterfaceInfo{}, discoveryFailure("no tethering interface found")
}

// discoveryFailure synthesizes an executor-shaped failure so resolver
// problems classify through the same catalog as command failures.
func discoveryFailure(msg string) error {
	return &OpError{Result: ops.Result{
		Op:       ops.Operation{Name: "iface-discover"},
		ExitCode: 1,
		Stderr:   msg,
	}}
}

// parseDefaultRoute extracts gateway and device from `ip route show
// default` output, e.g. "default via 192.168.42.129 dev usb0 proto dhcp".
func parseDefaultRoute(out string) (gateway, device string, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || fields[0] != "default" {
			continue
		}
		var via, dev string
		for i := 1; i < len(fields)-1; i++ {
			switch fields[i] {
			case "via":
				via = fields[i+1]
			case "dev":
				dev = fields[i+1]
			}
		}
		if via == "" || dev == "" {
			continue
		}
		if net.ParseIP(via) == nil {
			continue
		}
		return via, dev, true
	}
	return "", "", false
}

// parseLinkNames extracts interface names from `ip -o link show` lines
// such as "3: usb0: <BROADCAST,MULTICAST,UP> mtu 1500 ...".
func parseLinkNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 3)
		if len(parts) < 3 {
			continue
		}
		name := strings.TrimSpace(parts[1])
		if idx := strings.Index(name, "@"); idx >= 0 {
			name = name[:idx]
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// classifyInterfaceName maps an interface name to a tether kind.
// USB tethering shows up as usb*/rndis* or a kernel-named enx* device;
// WiFi tethering as wlan*/wlp*/wlx*.
func classifyInterfaceName(name string) (Kind, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range []string{"usb", "rndis", "enx"} {
		if strings.HasPrefix(lower, prefix) {
			return KindUSB, true
		}
	}
	for _, prefix := range []string{"wlan", "wlp", "wlx"} {
		if strings.HasPrefix(lower, prefix) {
			return KindWiFi, true
		}
	}
	return "", false
}
