package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/domain"
	"github.com/jaakkos/mailroom/internal/messaging"
)

func (r *Registry) registerMessaging(s *server.MCPServer) {
	r.addTool(s, serverTool{"send_message", mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to one or more agents. Recipients: 'Name', 'Name@project', or 'project:<slug>#Name'."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Sender's project slug or path")),
		mcp.WithString("sender_name", mcp.Required(), mcp.Description("Sender agent name")),
		mcp.WithArray("to", mcp.Required(), mcp.Description("Primary recipients")),
		mcp.WithArray("cc", mcp.Description("Carbon-copy recipients")),
		mcp.WithArray("bcc", mcp.Description("Blind-copy recipients")),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Message subject")),
		mcp.WithString("body_md", mcp.Required(), mcp.Description("Markdown body")),
		mcp.WithString("thread_id", mcp.Description("Thread to append to")),
		mcp.WithString("topic", mcp.Description("Free-form topic tag")),
		mcp.WithString("importance", mcp.Description("low|normal|high|urgent (default: normal)")),
		mcp.WithBoolean("ack_required", mcp.Description("Require an acknowledgement (default: false)")),
		mcp.WithArray("attachment_paths", mcp.Description("Filesystem paths to attach")),
		mcp.WithBoolean("convert_images", mcp.Description("Convert image attachments to WebP when allowed")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		senderName, err := requireString(args, "sender_name")
		if err != nil {
			return nil, err
		}
		to, err := requireStringSlice(args, "to")
		if err != nil {
			return nil, err
		}
		cc, err := stringSlice(args, "cc")
		if err != nil {
			return nil, err
		}
		bcc, err := stringSlice(args, "bcc")
		if err != nil {
			return nil, err
		}
		subject, err := requireString(args, "subject")
		if err != nil {
			return nil, err
		}
		body, err := requireString(args, "body_md")
		if err != nil {
			return nil, err
		}
		attachments, err := stringSlice(args, "attachment_paths")
		if err != nil {
			return nil, err
		}
		res, err := r.messaging.Send(ctx, messaging.SendParams{
			ProjectKey:      projectKey,
			SenderName:      senderName,
			To:              to,
			CC:              cc,
			BCC:             bcc,
			Subject:         subject,
			BodyMD:          body,
			ThreadID:        optionalString(args, "thread_id"),
			Topic:           optionalString(args, "topic"),
			Importance:      optionalString(args, "importance"),
			AckRequired:     optionalBool(args, "ack_required", false),
			AttachmentPaths: attachments,
			ConvertImages:   optionalBool(args, "convert_images", false),
		})
		if err != nil {
			return nil, err
		}
		r.logger.Printf("tools: send_message by %s to %d recipient(s)", senderName, len(to)+len(cc)+len(bcc))
		return res, nil
	})

	r.addTool(s, serverTool{"reply_message", mcp.NewTool("reply_message",
		mcp.WithDescription("Reply into an existing message's thread. Defaults to the original sender."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message being replied to")),
		mcp.WithString("sender_name", mcp.Required(), mcp.Description("Replying agent name")),
		mcp.WithString("body_md", mcp.Required(), mcp.Description("Markdown body")),
		mcp.WithArray("to", mcp.Description("Override recipients")),
		mcp.WithArray("cc", mcp.Description("Carbon-copy recipients")),
		mcp.WithArray("bcc", mcp.Description("Blind-copy recipients")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		messageID, err := requireInt64(args, "message_id")
		if err != nil {
			return nil, err
		}
		senderName, err := requireString(args, "sender_name")
		if err != nil {
			return nil, err
		}
		body, err := requireString(args, "body_md")
		if err != nil {
			return nil, err
		}
		to, err := stringSlice(args, "to")
		if err != nil {
			return nil, err
		}
		cc, err := stringSlice(args, "cc")
		if err != nil {
			return nil, err
		}
		bcc, err := stringSlice(args, "bcc")
		if err != nil {
			return nil, err
		}
		return r.messaging.Reply(ctx, projectKey, messageID, senderName, body, to, cc, bcc)
	})

	r.addTool(s, serverTool{"fetch_inbox", mcp.NewTool("fetch_inbox",
		mcp.WithDescription("Fetch an agent's inbox, newest first."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithNumber("limit", mcp.Description("Maximum items (default: 20)")),
		mcp.WithBoolean("include_bodies", mcp.Description("Include message bodies (default: false)")),
		mcp.WithBoolean("urgent_only", mcp.Description("Only high/urgent importance")),
		mcp.WithString("since_ts", mcp.Description("RFC3339 lower bound on created_ts")),
		mcp.WithString("topic", mcp.Description("Filter by topic")),
		mcp.WithString("thread_id", mcp.Description("Filter by thread")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, agentName, q, err := inboxArgs(args)
		if err != nil {
			return nil, err
		}
		items, err := r.messaging.Inbox(ctx, projectKey, agentName, q)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": items}, nil
	})

	r.addTool(s, serverTool{"list_outbox", mcp.NewTool("list_outbox",
		mcp.WithDescription("List messages an agent has sent, newest first."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithNumber("limit", mcp.Description("Maximum items (default: 20)")),
		mcp.WithBoolean("include_bodies", mcp.Description("Include message bodies (default: false)")),
		mcp.WithString("since_ts", mcp.Description("RFC3339 lower bound on created_ts")),
		mcp.WithString("topic", mcp.Description("Filter by topic")),
		mcp.WithString("thread_id", mcp.Description("Filter by thread")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, agentName, q, err := inboxArgs(args)
		if err != nil {
			return nil, err
		}
		items, err := r.messaging.Outbox(ctx, projectKey, agentName, q)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": items}, nil
	})

	r.addTool(s, serverTool{"mark_message_read", mcp.NewTool("mark_message_read",
		mcp.WithDescription("Stamp read_ts on the agent's copy of a message."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message id")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, agentName, messageID, err := deliveryArgs(args)
		if err != nil {
			return nil, err
		}
		if err := r.messaging.MarkRead(ctx, projectKey, agentName, messageID); err != nil {
			return nil, err
		}
		return map[string]any{"message_id": messageID, "read": true}, nil
	})

	r.addTool(s, serverTool{"acknowledge_message", mcp.NewTool("acknowledge_message",
		mcp.WithDescription("Acknowledge a message. Implies read."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("agent_name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message id")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, agentName, messageID, err := deliveryArgs(args)
		if err != nil {
			return nil, err
		}
		if err := r.messaging.Acknowledge(ctx, projectKey, agentName, messageID); err != nil {
			return nil, err
		}
		return map[string]any{"message_id": messageID, "acknowledged": true}, nil
	})

	r.addTool(s, serverTool{"search_messages", mcp.NewTool("search_messages",
		mcp.WithDescription("Full-text search over subjects and bodies. Supports subject:X, body:X, and quoted phrases."),
		mcp.WithString("project_key", mcp.Description("Project slug or path")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum hits (default: 20)")),
		mcp.WithString("product", mcp.Description("Search every project of this product instead of one project")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		query, err := requireString(args, "query")
		if err != nil {
			return nil, err
		}
		product := optionalString(args, "product")
		projectKey := optionalString(args, "project_key")
		if product == "" && projectKey == "" {
			return nil, domain.Invalid("project_key or product is required")
		}
		hits, err := r.messaging.Search(ctx, projectKey, query, optionalInt(args, "limit", 20), product)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hits": hits}, nil
	})

	r.addTool(s, serverTool{"summarize_thread", mcp.NewTool("summarize_thread",
		mcp.WithDescription("Structural summary of a thread: participants, span, key points, action items."),
		mcp.WithString("project_key", mcp.Required(), mcp.Description("Project slug or path")),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread id, or msg:<id> for a single message")),
	)}, func(ctx context.Context, args map[string]any) (any, error) {
		projectKey, err := requireString(args, "project_key")
		if err != nil {
			return nil, err
		}
		threadID, err := requireString(args, "thread_id")
		if err != nil {
			return nil, err
		}
		return r.messaging.SummarizeThread(ctx, projectKey, threadID)
	})
}

// inboxArgs parses the shared fetch_inbox/list_outbox argument set.
func inboxArgs(args map[string]any) (projectKey, agentName string, q catalog.InboxQuery, err error) {
	if projectKey, err = requireString(args, "project_key"); err != nil {
		return
	}
	if agentName, err = requireString(args, "agent_name"); err != nil {
		return
	}
	q = catalog.InboxQuery{
		Limit:         optionalInt(args, "limit", 20),
		IncludeBodies: optionalBool(args, "include_bodies", false),
		UrgentOnly:    optionalBool(args, "urgent_only", false),
		Topic:         optionalString(args, "topic"),
		ThreadID:      optionalString(args, "thread_id"),
	}
	if raw := optionalString(args, "since_ts"); raw != "" {
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			err = domain.Invalid("since_ts must be RFC3339, got %q", raw)
			return
		}
		q.SinceTS = &t
	}
	return
}

// deliveryArgs parses the shared mark-read/acknowledge argument set.
func deliveryArgs(args map[string]any) (projectKey, agentName string, messageID int64, err error) {
	if projectKey, err = requireString(args, "project_key"); err != nil {
		return
	}
	if agentName, err = requireString(args, "agent_name"); err != nil {
		return
	}
	messageID, err = requireInt64(args, "message_id")
	return
}
