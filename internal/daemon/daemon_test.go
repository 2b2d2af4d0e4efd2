package daemon

import (
	"path/filepath"
	"testing"

	"github.com/loom-chat/loom/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func TestModuleGraph(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	err := config.Save(cfgPath, &config.Config{
		BaseURL:     "https://api.example.test",
		RealtimeURL: "wss://api.example.test/ws",
		DataDir:     dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	opt := Module(Params{ConfigPath: cfgPath, Identity: "me"})
	if err := fx.ValidateApp(opt); err != nil {
		t.Fatalf("invalid dependency graph: %v", err)
	}
}

func TestProvideStoreMigrates(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir}

	db, err := provideStore(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	// Schema is in place: the queue table answers queries.
	if _, err := db.CountPendingWrites(); err != nil {
		t.Fatalf("schema missing after migrate: %v", err)
	}
}
