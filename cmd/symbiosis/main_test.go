package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: symbiosis daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "between runs") {
		t.Fatalf("usage output missing reload note: %q", out)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	if code := dispatch(context.Background(), []string{"bogus"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestDispatch_DaemonBadArgs(t *testing.T) {
	if code := dispatch(context.Background(), []string{"daemon", "extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errString("listen tcp 127.0.0.1:18790: bind: address already in use")) {
		t.Fatal("expected address-in-use message to match")
	}
	if isAddrInUse(errString("connection refused")) {
		t.Fatal("expected unrelated error not to match")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
