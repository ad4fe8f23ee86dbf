// Command rossd wires the runtime core's components together: it is a
// boundary stub, not an RPC or CLI front end — it exists so the module has
// a buildable entrypoint that exercises the real construction order every
// long-running daemon would follow.
package main

import (
	"os"

	"ross/internal/lifecycle"
	"ross/internal/pipeline"
	"ross/internal/rconfig"
	"ross/internal/registry"
	"ross/internal/rlog"
	"ross/internal/shim"
	"ross/internal/snapshot"
	"ross/internal/store"
)

func main() {
	log := rlog.For("rossd")
	cfg := rconfig.Load(os.Getenv("ROSS_DOTENV"))

	contentStore, err := store.New(cfg.DataRoot + "/store")
	if err != nil {
		log.WithError(err).Fatal("open content store")
	}

	snapshotter, err := snapshot.New(cfg.DataRoot+"/snapshots", true)
	if err != nil {
		log.WithError(err).Fatal("open snapshotter")
	}

	sh, err := shim.New(cfg.DataRoot+"/containers", cfg.RuntimeBinary)
	if err != nil {
		log.WithError(err).Fatal("open shim")
	}

	registryClient := registry.NewClient(cfg.RegistryUser, cfg.RegistryPass)
	_ = pipeline.New(registryClient, contentStore, snapshotter)

	manager, err := lifecycle.New(cfg.DataRoot+"/lifecycle", contentStore, snapshotter, sh)
	if err != nil {
		log.WithError(err).Fatal("open lifecycle manager")
	}

	log.WithField("data_root", cfg.DataRoot).
		WithField("runtime", cfg.RuntimeBinary).
		Info("rossd components constructed")

	_ = manager
}
