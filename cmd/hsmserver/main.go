package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/keymint/hsm-key-management-backend/api/ceremonyhandler"
	"github.com/keymint/hsm-key-management-backend/api/keyhandler"
	"github.com/keymint/hsm-key-management-backend/api/rotationhandler"
	"github.com/keymint/hsm-key-management-backend/ceremony"
	"github.com/keymint/hsm-key-management-backend/cmd/flags"
	"github.com/keymint/hsm-key-management-backend/httpserver"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/keytree"
	"github.com/keymint/hsm-key-management-backend/rotation"
	"github.com/keymint/hsm-key-management-backend/storage"
)

var HsmServiceLogFlag = flags.LogServiceFlagFn("hsm-backend")

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

func main() {
	app := &cli.App{
		Name:  "hsm-server",
		Usage: "Serve the HSM key management API",
		Flags: append([]cli.Flag{
			ListenAddrFlag,
			flags.StorageUriFlag,
			HsmServiceLogFlag,
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(ListenAddrFlag.Name)
			storageURIs := cCtx.StringSlice(flags.StorageUriFlag.Name)

			logger := flags.SetupLogger(cCtx)

			// Share exports are persisted only when storage is configured;
			// the core works without it.
			var exports interfaces.StorageBackend
			if len(storageURIs) > 0 {
				locations := make([]interfaces.StorageBackendLocation, len(storageURIs))
				for i, uri := range storageURIs {
					locations[i] = interfaces.StorageBackendLocation(uri)
				}

				factory := storage.NewStorageBackendFactory(logger)
				backend, err := factory.CreateMultiBackend(locations)
				if err != nil {
					logger.Error("Failed to create storage backend", "err", err)
					return err
				}
				exports = backend
				logger.Info("Share export storage configured", "location", backend.LocationURI())
			}

			keys := keytree.NewHierarchy(logger)
			engine := ceremony.NewEngine(keys, exports, logger)
			coordinator := rotation.NewCoordinator(keys, rotation.NewStaticResolver(), logger)

			srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr),
				ceremonyhandler.NewHandler(engine, logger),
				rotationhandler.NewHandler(coordinator, logger),
				keyhandler.NewHandler(keys, logger),
			)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
