package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bundler-go/internal/bundle"
	"bundler-go/internal/config"
	"bundler-go/internal/engine"
	"bundler-go/internal/fees"
)

const paperConfig = `
app:
  name: bundler-it
network:
  paper: true
keystore:
  path: %DIR%/wallets.yaml
wallets:
  count: 3
bundles:
  max_instructions_per_tx: 2
  max_compute_units: 200000
protection:
  obfuscation: true
  randomize_timing: true
  min_delay_ms: 1
  max_delay_ms: 5
storage:
  results_path: %DIR%/results.jsonl
`

func TestPaperFlowProducesResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(paperConfig, "%DIR%", dir)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYSTORE_SECRET", "integration-secret")
	t.Setenv("SOLANA_RPC_URL", "")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	var buf bytes.Buffer
	rt, err := engine.Open(ctx, cfg, zerolog.New(&buf))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer rt.Close()
	if err := rt.Custody.Initialize(ctx, cfg.Wallets.Count); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	target := rt.OptimalWallet(ctx)
	for i := 0; i < 3; i++ {
		if _, err := rt.Enqueue(i%cfg.Wallets.Count, []bundle.Op{bundle.NewInert("batch")}, i); err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
	}
	id, err := rt.Protect(ctx, target, []bundle.Op{bundle.NewInert("swap")}, 8, fees.High)
	if err != nil {
		t.Fatalf("Protect returned error: %v", err)
	}

	res, err := rt.ExecuteBundle(ctx, id)
	if err != nil {
		t.Fatalf("ExecuteBundle returned error: %v", err)
	}
	if !res.Success || len(res.Results) == 0 {
		t.Fatalf("expected successful bundle, got %+v", res)
	}
	if st := rt.Stats(); st.PendingInstructions != 0 || st.ExecutedBundles != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	file, err := os.Open(cfg.Storage.ResultsPath)
	if err != nil {
		t.Fatalf("open results: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one result line")
	}
	var decoded bundle.ExecutionResult
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if decoded.BundleID != id {
		t.Fatalf("unexpected bundle id %q", decoded.BundleID)
	}
	if !strings.Contains(buf.String(), "bundle executed") {
		t.Fatalf("expected execution log, got %s", buf.String())
	}
	if strings.Contains(buf.String(), cfg.Keystore.Secret) {
		t.Fatalf("secret leaked into logs")
	}
}
