package actingdoll

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestConsoleDispatchesCommands(t *testing.T) {
	srv, err := NewServer(Config{}, WithLogger(NewTestLogger(t)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	in := strings.NewReader("status\nhelp\nquit\nignored after quit\n")
	var out bytes.Buffer
	console := NewConsole(srv, in, &out, pslog.NoopLogger())

	if err := console.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "connected_clients") {
		t.Fatalf("status output missing: %s", text)
	}
	if !strings.Contains(text, "commands:") {
		t.Fatalf("help output missing: %s", text)
	}
	if strings.Contains(text, "ignored after quit") {
		t.Fatal("input after quit must not be processed")
	}
	if srv.Registry().Len() != 0 {
		t.Fatal("console session must unregister on exit")
	}
}

func TestConsoleListWithNoClients(t *testing.T) {
	srv, err := NewServer(Config{RequireAuth: true}, WithLogger(NewTestLogger(t)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	in := strings.NewReader("list\nquit\n")
	var out bytes.Buffer
	console := NewConsole(srv, in, &out, pslog.NoopLogger())
	if err := console.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), `"count": 0`) {
		t.Fatalf("unexpected list output: %s", out.String())
	}
}
