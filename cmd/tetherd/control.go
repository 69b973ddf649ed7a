package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tethercloak/tether"
)

func startControlServer(ctx context.Context, addr string, machine *tether.Machine) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			go handleControlConnection(c, machine)
		}
	}()
	return nil
}

func handleControlConnection(conn net.Conn, machine *tether.Machine) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		_, _ = fmt.Fprintln(conn, "ERR read command:", err)
		return
	}
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		_, _ = fmt.Fprintln(conn, "ERR empty command")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case cmd == "status":
		writeStatus(conn, machine)
		_, _ = fmt.Fprintln(conn, "OK")
	case cmd == "connect":
		if err := machine.Connect(ctx); err != nil {
			_, _ = fmt.Fprintln(conn, "ERR", err)
			return
		}
		_, _ = fmt.Fprintln(conn, "connecting")
		_, _ = fmt.Fprintln(conn, "OK")
	case cmd == "disconnect":
		if err := machine.Disconnect(ctx); err != nil {
			_, _ = fmt.Fprintln(conn, "ERR", err)
			return
		}
		_, _ = fmt.Fprintln(conn, "disconnecting")
		_, _ = fmt.Fprintln(conn, "OK")
	case cmd == "health":
		writeHealth(conn, machine)
		_, _ = fmt.Fprintln(conn, "OK")
	case cmd == "logs" || strings.HasPrefix(cmd, "logs "):
		limit := 50
		level := ""
		for _, arg := range strings.Fields(cmd)[1:] {
			if n, err := strconv.Atoi(arg); err == nil {
				limit = n
				continue
			}
			lvl, err := logrus.ParseLevel(arg)
			if err != nil {
				_, _ = fmt.Fprintf(conn, "ERR unknown log level %q\n", arg)
				return
			}
			level = lvl.String()
		}
		for _, item := range daemonLogs.list(limit, level) {
			_, _ = fmt.Fprintf(conn, "%s [%s] %s\n", item.Time, item.Level, item.Message)
		}
		_, _ = fmt.Fprintln(conn, "OK")
	default:
		_, _ = fmt.Fprintln(conn, "ERR unknown command, use: status | connect | disconnect | health | logs [n] [level]")
	}
}

func writeStatus(conn net.Conn, machine *tether.Machine) {
	_, _ = fmt.Fprintf(conn, "state: %s\n", machine.State())
	if machine.State() == tether.StateConnected {
		info := machine.Interface()
		_, _ = fmt.Fprintf(conn, "interface: %s (%s) gateway %s proxy %s\n",
			info.Name, info.Kind, info.Gateway, info.ProxyAddr())
	}
	if rec := machine.LastRecord(); rec != nil {
		_, _ = fmt.Fprintf(conn, "last error: %s\n", rec)
		for _, step := range rec.ManualSteps {
			_, _ = fmt.Fprintf(conn, "  - %s\n", step)
		}
	}
}

func writeHealth(conn net.Conn, machine *tether.Machine) {
	samples := machine.HealthSnapshot()
	if len(samples) == 0 {
		_, _ = fmt.Fprintln(conn, "no samples")
		return
	}
	for _, s := range samples {
		_, _ = fmt.Fprintf(conn, "%s latency=%dms loss=%.0f%% integrity=%d%%",
			s.Time.Format(time.RFC3339), s.LatencyMS, s.LossPct, s.Integrity)
		if len(s.Unhealthy) > 0 {
			_, _ = fmt.Fprintf(conn, " unhealthy=%s", strings.Join(s.Unhealthy, ","))
		}
		_, _ = fmt.Fprintln(conn)
	}
}

// runControlCommand is the client side: one command per connection,
// print everything the daemon answers.
func runControlCommand(addr, cmd string) error {
	command := strings.TrimSpace(cmd)
	switch {
	case command == "status", command == "connect", command == "disconnect", command == "health":
	case command == "logs", strings.HasPrefix(command, "logs "):
	default:
		return fmt.Errorf("unsupported command: %s", command)
	}

	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := fmt.Fprintln(conn, command); err != nil {
		return err
	}

	replyBytes, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	reply := string(replyBytes)
	fmt.Print(reply)
	if strings.Contains(reply, "\nERR") || strings.HasPrefix(reply, "ERR") {
		return fmt.Errorf("command failed")
	}
	return nil
}
