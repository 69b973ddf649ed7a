package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"tethercloak/bypass"
	"tethercloak/health"
	"tethercloak/ops"
	"tethercloak/recovery"
	"tethercloak/tether"
)

type okRunner struct{}

func (okRunner) Run(_ context.Context, op ops.Operation) ops.Result {
	return ops.Result{Op: op, ExitCode: 0}
}

type staticResolver struct{}

func (staticResolver) Resolve(context.Context) (tether.InterfaceInfo, error) {
	return tether.InterfaceInfo{Name: "usb0", Kind: tether.KindUSB, Gateway: "192.168.42.129", ProxyPort: 8000}, nil
}

type okValidator struct{}

func (okValidator) Validate(context.Context, tether.InterfaceInfo) error { return nil }

func startTestDaemon(t *testing.T) (string, *tether.Machine) {
	t.Helper()
	runner := okRunner{}
	classifier, err := recovery.NewClassifier(recovery.DefaultCatalog())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	machine := tether.NewMachine(tether.Deps{
		Runner:     runner,
		Resolver:   staticResolver{},
		Validator:  okValidator{},
		Pipeline:   bypass.NewPipeline(runner),
		Layers:     bypass.DefaultCatalog(),
		Classifier: classifier,
		Engine:     recovery.NewEngine(runner),
	}, tether.Config{Monitor: health.Config{
		Interval: time.Hour,
		Dial: func(context.Context, string, time.Duration) (time.Duration, error) {
			return time.Millisecond, nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	machine.Start(ctx)
	t.Cleanup(machine.Stop)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	if err := startControlServer(ctx, addr, machine); err != nil {
		t.Fatalf("control server: %v", err)
	}
	return addr, machine
}

func controlRequest(t *testing.T, addr, cmd string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		t.Fatalf("send: %v", err)
	}
	var b strings.Builder
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		b.WriteString(sc.Text())
		b.WriteByte('\n')
	}
	return b.String()
}

func waitForState(t *testing.T, machine *tether.Machine, want tether.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if machine.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("machine never reached %s, at %s", want, machine.State())
}

func TestControlStatusConnectDisconnect(t *testing.T) {
	addr, machine := startTestDaemon(t)

	reply := controlRequest(t, addr, "status")
	if !strings.Contains(reply, "state: disconnected") || !strings.Contains(reply, "OK") {
		t.Fatalf("status reply: %q", reply)
	}

	reply = controlRequest(t, addr, "connect")
	if !strings.Contains(reply, "OK") {
		t.Fatalf("connect reply: %q", reply)
	}
	waitForState(t, machine, tether.StateConnected)

	reply = controlRequest(t, addr, "status")
	if !strings.Contains(reply, "state: connected") {
		t.Fatalf("status reply: %q", reply)
	}

	reply = controlRequest(t, addr, "disconnect")
	if !strings.Contains(reply, "OK") {
		t.Fatalf("disconnect reply: %q", reply)
	}
	waitForState(t, machine, tether.StateDisconnected)
}

func TestControlRejectsUnknownCommand(t *testing.T) {
	addr, _ := startTestDaemon(t)
	reply := controlRequest(t, addr, "reboot")
	if !strings.Contains(reply, "ERR unknown command") {
		t.Fatalf("reply: %q", reply)
	}
}

func TestControlLogsCommand(t *testing.T) {
	initDaemonLogCapture()
	addr, _ := startTestDaemon(t)
	reply := controlRequest(t, addr, "logs 5")
	if !strings.Contains(reply, "OK") {
		t.Fatalf("logs reply: %q", reply)
	}
}

func TestControlLogsLevelFilter(t *testing.T) {
	addr, _ := startTestDaemon(t)
	daemonLogs.append("info", "filter-test info line", time.Now())
	daemonLogs.append("warning", "filter-test warning line", time.Now())

	reply := controlRequest(t, addr, "logs 200 warning")
	if !strings.Contains(reply, "filter-test warning line") {
		t.Fatalf("warning line missing: %q", reply)
	}
	if strings.Contains(reply, "filter-test info line") {
		t.Fatalf("info line leaked through warning filter: %q", reply)
	}

	// "warn" is an accepted spelling for the warning level
	reply = controlRequest(t, addr, "logs 200 warn")
	if !strings.Contains(reply, "filter-test warning line") {
		t.Fatalf("warn alias not honored: %q", reply)
	}

	reply = controlRequest(t, addr, "logs bogus")
	if !strings.Contains(reply, "ERR unknown log level") {
		t.Fatalf("bad level reply: %q", reply)
	}
}
