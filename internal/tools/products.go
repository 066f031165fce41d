package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (r *Registry) registerProducts(s *server.MCPServer) {
	r.addTool(s, serverTool{"create_product", mcp.NewTool("create_product",
		mcp.WithDescription("Create (or look up) a named product grouping of projects for cross-project search."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Product name")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		name, err := requireString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.catalog.UpsertProduct(ctx, name)
	})

	r.addTool(s, serverTool{"link_project_to_product", mcp.NewTool("link_project_to_product",
		mcp.WithDescription("Add a project to a product grouping. Idempotent."),
		mcp.WithString("product", mcp.Required(), mcp.Description("Product name")),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		productName, err := requireString(args, "product")
		if err != nil {
			return nil, err
		}
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		product, err := r.catalog.ProductByName(ctx, productName)
		if err != nil {
			return nil, err
		}
		project, err := r.identity.ResolveProject(ctx, projectKey)
		if err != nil {
			return nil, err
		}
		if err := r.catalog.LinkProductProject(ctx, product.ID, project.ID); err != nil {
			return nil, err
		}
		projects, err := r.catalog.ProductProjects(ctx, product.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"product": product.Name, "projects": projects}, nil
	})
}
