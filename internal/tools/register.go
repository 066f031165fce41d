// Package tools exposes the coordination bus as MCP tools and resources.
// Tools are grouped in clusters; a configurable filter profile controls
// which clusters a client sees.
package tools

import (
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/contact"
	"github.com/jaakkos/mailroom/internal/identity"
	"github.com/jaakkos/mailroom/internal/messaging"
	"github.com/jaakkos/mailroom/internal/reservation"
)

// Tool clusters.
const (
	clusterIdentity     = "identity"
	clusterMessaging    = "messaging"
	clusterReservations = "reservations"
	clusterContacts     = "contacts"
	clusterProducts     = "products"
	clusterAdmin        = "admin"
)

// toolClusters maps every tool name to its cluster. The filter profiles
// select by cluster or by name.
var toolClusters = map[string]string{
	"ensure_project":        clusterIdentity,
	"register_agent":        clusterIdentity,
	"create_agent_identity": clusterIdentity,
	"whois":                 clusterIdentity,
	"set_contact_policy":    clusterIdentity,
	"bind_window":           clusterIdentity,

	"send_message":        clusterMessaging,
	"reply_message":       clusterMessaging,
	"fetch_inbox":         clusterMessaging,
	"list_outbox":         clusterMessaging,
	"mark_message_read":   clusterMessaging,
	"acknowledge_message": clusterMessaging,
	"search_messages":     clusterMessaging,
	"summarize_thread":    clusterMessaging,

	"file_reservation_paths":         clusterReservations,
	"release_file_reservations":      clusterReservations,
	"renew_file_reservations":        clusterReservations,
	"force_release_file_reservation": clusterReservations,
	"list_file_reservations":         clusterReservations,

	"request_contact": clusterContacts,
	"respond_contact": clusterContacts,
	"list_contacts":   clusterContacts,

	"create_product":          clusterProducts,
	"link_project_to_product": clusterProducts,

	"health_check":  clusterAdmin,
	"list_projects": clusterAdmin,
}

// minimalTools is the smallest useful surface.
var minimalTools = map[string]bool{
	"ensure_project": true,
	"register_agent": true,
	"whois":          true,
	"send_message":   true,
	"fetch_inbox":    true,
}

// Registry owns the tool handlers and their dependencies.
type Registry struct {
	identity     *identity.Service
	messaging    *messaging.Engine
	contacts     *contact.Engine
	reservations *reservation.Engine
	catalog      *catalog.Catalog
	archive      *archive.Store
	settings     config.Settings
	metrics      *Metrics
	logger       *log.Logger
}

// NewRegistry wires the tool registry.
func NewRegistry(id *identity.Service, me *messaging.Engine, ce *contact.Engine,
	re *reservation.Engine, c *catalog.Catalog, a *archive.Store,
	settings config.Settings, metrics *Metrics, logger *log.Logger) *Registry {
	return &Registry{
		identity:     id,
		messaging:    me,
		contacts:     ce,
		reservations: re,
		catalog:      c,
		archive:      a,
		settings:     settings,
		metrics:      metrics,
		logger:       logger,
	}
}

// Register adds the filtered tool surface and the read-only resources to the
// server.
func (r *Registry) Register(s *server.MCPServer) {
	registered := 0

	r.registerIdentity(s)
	r.registerMessaging(s)
	r.registerReservations(s)
	r.registerContacts(s)
	r.registerProducts(s)
	r.registerAdmin(s)

	for name := range toolClusters {
		if r.exposed(name) {
			registered++
		}
	}
	r.registerResources(s)
	r.logger.Printf("tools: registered %d tool(s), profile=%s", registered, r.settings.ToolsFilterProfile)
}

// exposed reports whether the active filter profile includes the tool.
func (r *Registry) exposed(name string) bool {
	cluster, known := toolClusters[name]
	if !known {
		return false
	}
	switch r.settings.ToolsFilterProfile {
	case config.ProfileFull, "":
		return true
	case config.ProfileCore:
		return cluster != clusterProducts && cluster != clusterAdmin
	case config.ProfileMinimal:
		return minimalTools[name]
	case config.ProfileMessaging:
		return cluster == clusterMessaging || name == "ensure_project" || name == "register_agent"
	case config.ProfileCustom:
		for _, n := range r.settings.ToolsFilterCustom {
			if n == name {
				return true
			}
		}
		return false
	}
	return false
}

// serverTool pairs a tool name with its schema definition.
type serverTool struct {
	name string
	def  mcp.Tool
}

// addTool registers one tool unless the filter hides it.
func (r *Registry) addTool(s *server.MCPServer, tool serverTool, fn handlerFunc) {
	if !r.exposed(tool.name) {
		return
	}
	s.AddTool(tool.def, r.wrap(tool.name, fn))
}
