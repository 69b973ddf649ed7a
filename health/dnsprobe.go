package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	defaultDNSProbeAddr = "127.0.0.1:5353"
	defaultDNSProbeName = "connectivitycheck.gstatic.com."
	defaultDNSLayerID   = "dns_redirect"
)

// DNSProbe verifies the DNS redirect path end to end. The iptables
// verify only proves the rule exists; this sends a real query to the
// redirect listener and requires a well-formed answer for the same
// question.
type DNSProbe struct {
	Addr    string
	Name    string
	LayerID string
	Timeout time.Duration
}

func (p DNSProbe) withDefaults() DNSProbe {
	if p.Addr == "" {
		p.Addr = defaultDNSProbeAddr
	}
	if p.Name == "" {
		p.Name = defaultDNSProbeName
	}
	if !strings.HasSuffix(p.Name, ".") {
		p.Name += "."
	}
	if p.LayerID == "" {
		p.LayerID = defaultDNSLayerID
	}
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Second
	}
	return p
}

func (p DNSProbe) layerID() string {
	return p.withDefaults().LayerID
}

func (p DNSProbe) Check(ctx context.Context) error {
	p = p.withDefaults()

	name, err := dnsmessage.NewName(p.Name)
	if err != nil {
		return fmt.Errorf("probe name %q: %w", p.Name, err)
	}
	id := uint16(time.Now().UnixNano())
	builder := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	builder.EnableCompression()
	if err := builder.StartQuestions(); err != nil {
		return err
	}
	if err := builder.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return err
	}
	query, err := builder.Finish()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "udp", p.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(p.Timeout))
	if _, err := conn.Write(query); err != nil {
		return fmt.Errorf("send query: %w", err)
	}
	reply := make([]byte, 2048)
	n, err := conn.Read(reply)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	var parser dnsmessage.Parser
	header, err := parser.Start(reply[:n])
	if err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	if !header.Response {
		return errors.New("reply is not a response")
	}
	if header.ID != id {
		return fmt.Errorf("reply id %d does not match query id %d", header.ID, id)
	}
	// NXDOMAIN still proves the redirect listener resolves queries.
	if header.RCode != dnsmessage.RCodeSuccess && header.RCode != dnsmessage.RCodeNameError {
		return fmt.Errorf("reply rcode %v", header.RCode)
	}
	question, err := parser.Question()
	if err != nil {
		return fmt.Errorf("reply question: %w", err)
	}
	if !strings.EqualFold(question.Name.String(), p.Name) {
		return fmt.Errorf("reply answers %q, asked %q", question.Name.String(), p.Name)
	}
	return nil
}
