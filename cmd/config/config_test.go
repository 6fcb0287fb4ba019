package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"opnet-indexer/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Network.Name != "mainnet" {
		t.Fatalf("unexpected network name: %s", AppConfig.Network.Name)
	}
	if AppConfig.Indexing.MaximumPrefetchBlocks != 8 {
		t.Fatalf("unexpected prefetch depth: %d", AppConfig.Indexing.MaximumPrefetchBlocks)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("testnet")
	if AppConfig.Network.Name != "testnet" {
		t.Fatalf("expected network name testnet, got %s", AppConfig.Network.Name)
	}
	if AppConfig.Indexing.MaximumPrefetchBlocks != 32 {
		t.Fatalf("expected prefetch depth 32, got %d", AppConfig.Indexing.MaximumPrefetchBlocks)
	}
	if AppConfig.Epoch.MinDifficulty != 4 {
		t.Fatalf("expected min difficulty override")
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("network:\n  name: sandbox\n  chain_id: 99\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Network.Name != "sandbox" {
		t.Fatalf("expected network name sandbox, got %s", AppConfig.Network.Name)
	}
	if AppConfig.Network.ChainID != 99 {
		t.Fatalf("expected chain id 99, got %d", AppConfig.Network.ChainID)
	}
}
