// Package core wires the whole server: catalog, archive store, the domain
// engines, the tool registry, and the background workers. Construct once at
// startup, dispose in reverse order at shutdown.
package core

import (
	"log"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/contact"
	"github.com/jaakkos/mailroom/internal/identity"
	"github.com/jaakkos/mailroom/internal/messaging"
	"github.com/jaakkos/mailroom/internal/reservation"
	"github.com/jaakkos/mailroom/internal/tools"
	"github.com/jaakkos/mailroom/internal/workers"
)

// fdHealthInterval is fixed: the FD budget is a process concern, not a
// deployment knob.
const fdHealthInterval = 30 * time.Second

// Core holds every long-lived component of the server.
type Core struct {
	Settings config.Settings
	Catalog  *catalog.Catalog
	Archive  *archive.Store

	Identity     *identity.Service
	Contacts     *contact.Engine
	Reservations *reservation.Engine
	Messaging    *messaging.Engine

	Metrics  *tools.Metrics
	Registry *tools.Registry
	Workers  *workers.Manager

	logger *log.Logger
}

// New builds the full component graph. The catalog opens (and migrates)
// first; everything else layers on top of it.
func New(settings config.Settings, logger *log.Logger) (*Core, error) {
	if err := os.MkdirAll(settings.StorageRoot, 0o755); err != nil {
		return nil, err
	}

	cat, err := catalog.Open(settings.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	store := archive.NewStore(settings.ProjectsRoot(), settings.RepoCacheCapacity, settings.RepoCacheGrace, logger)

	id := identity.NewService(cat, store, settings, logger)
	contacts := contact.NewEngine(cat, settings, logger)
	reservations := reservation.NewEngine(cat, store, settings, logger)
	engine := messaging.NewEngine(cat, store, id, contacts, reservations, settings, logger)

	// The engines notify through messaging, which depends on them. Late
	// binding breaks the cycle.
	contacts.SetNotifier(engine)
	reservations.SetNotifier(engine)

	metrics := tools.NewMetrics()
	registry := tools.NewRegistry(id, engine, contacts, reservations, cat, store, settings, metrics, logger)

	manager := workers.NewManager(logger)
	manager.Add(workers.NewReservationSweeper(reservations, settings.ReservationCleanupInterval, logger))
	manager.Add(workers.NewAckMonitor(cat, reservations, engine,
		settings.AckCheckInterval, settings.AckTTL, settings.AckEscalation, logger))
	manager.Add(workers.NewFDHealth(store, fdHealthInterval, logger))
	manager.Add(workers.NewRetentionReporter(cat, store, settings.RetentionInterval, settings.RetentionQuotaBytes, logger))
	manager.Add(workers.NewArchiveReconciler(engine, settings.ReservationCleanupInterval, logger))
	manager.Add(workers.NewMetricsSnapshot(metrics, settings.MetricsInterval, logger))

	return &Core{
		Settings:     settings,
		Catalog:      cat,
		Archive:      store,
		Identity:     id,
		Contacts:     contacts,
		Reservations: reservations,
		Messaging:    engine,
		Metrics:      metrics,
		Registry:     registry,
		Workers:      manager,
		logger:       logger,
	}, nil
}

// Register exposes the tool and resource surface on the MCP server.
func (c *Core) Register(s *server.MCPServer) {
	c.Registry.Register(s)
}

// Close disposes components in reverse construction order: workers first so
// nothing writes during teardown, then the repo cache, then the catalog.
func (c *Core) Close() error {
	c.Workers.StopAll()
	c.Archive.Close()
	if err := c.Catalog.Close(); err != nil {
		c.logger.Printf("core: catalog close: %v", err)
		return err
	}
	return nil
}
