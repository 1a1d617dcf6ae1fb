package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"version": false, "init": false, "wallets": false, "balances": false, "rebalance": false, "fee": false, "results": false, "run": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestInitInPaperMode(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "keystore:\n  path: " + filepath.Join(dir, "wallets.yaml") + "\nwallets:\n  count: 2\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYSTORE_SECRET", "cli-secret")

	root := newRootCmd()
	root.SetArgs([]string{"init", "--config", cfgPath, "--paper", "--log", "error"})
	if err := root.Execute(); err != nil {
		t.Fatalf("init returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wallets.yaml")); err != nil {
		t.Fatalf("expected keystore file: %v", err)
	}
}
