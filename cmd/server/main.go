package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"apiforge/internal/auth"
	"apiforge/internal/automation"
	"apiforge/internal/blobstore"
	"apiforge/internal/config"
	"apiforge/internal/console"
	"apiforge/internal/engine"
	"apiforge/internal/repository"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, storage: %s)", cfg.Server.Port, cfg.Storage.LocalPath)

	// 2. Automation document store (local disk, optionally fronted by S3)
	local := blobstore.NewLocalStore(cfg.Storage.LocalPath)
	var remote blobstore.ObjectStore
	if cfg.Storage.S3.Enabled {
		s3store, err := blobstore.NewS3Store(ctx, blobstore.S3Options{
			Bucket:   cfg.Storage.S3.Bucket,
			Region:   cfg.Storage.S3.Region,
			Endpoint: cfg.Storage.S3.Endpoint,
			Prefix:   cfg.Storage.S3.Prefix,
		})
		if err != nil {
			log.Fatalf("Failed to initialize S3 store: %v", err)
		}
		remote = s3store
		log.Printf("S3 store enabled (bucket: %s)", cfg.Storage.S3.Bucket)
	}
	store := blobstore.NewStore(remote, local)

	// 3. Registry and backend factory
	registry := automation.NewRegistry(store)
	factory := repository.NewFactory()
	defer factory.CloseConnections(ctx)

	// 4. Auth
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, time.Duration(cfg.Auth.TokenTTLMin)*time.Minute)

	// 5. Handler registry and router
	endpointHandler := engine.NewEndpointHandler(factory)
	handlers := engine.NewHandlerRegistry()
	if err := handlers.Register(engine.DefaultHandlerKey, endpointHandler.Process); err != nil {
		log.Fatalf("Failed to register default handler: %v", err)
	}
	router := engine.NewRouterManager(registry, handlers, factory, endpointHandler, issuer.Verify)
	manager := engine.NewAutomationManager(registry, router)

	// 6. Load persisted automations and build the route table
	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize automations: %v", err)
	}

	// 7. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 8. Auth routes (no auth required)
	app.Post("/auth/login", auth.LoginHandler(issuer, auth.Credentials{
		Username:     cfg.Auth.Username,
		PasswordHash: cfg.Auth.PasswordHash,
	}))

	// 9. Console routes (auth required)
	consoleHandler := console.NewHandler(manager, registry, router)
	console.RegisterConsoleRoutes(app, consoleHandler, issuer.Middleware())

	// 10. Dynamic dispatcher, mounted last so static routes win
	app.All("/*", router.Dispatch)

	// 11. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
			"type":  "server_error",
		})
	}
	return engine.RespondError(c, err)
}
