// Package identity manages projects, agents, and the bindings that keep an
// agent's name stable: registration, coined identities, window UUIDs, and
// whois lookups.
package identity

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

// Service implements the identity operations over the catalog and archive.
type Service struct {
	catalog  *catalog.Catalog
	archive  *archive.Store
	settings config.Settings
	logger   *log.Logger
	rng      *rand.Rand
}

// NewService wires the identity service.
func NewService(c *catalog.Catalog, a *archive.Store, s config.Settings, logger *log.Logger) *Service {
	return &Service{
		catalog:  c,
		archive:  a,
		settings: s,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Canonicalize resolves a human key to its stable form: filesystem paths
// resolve symlinks so aliases of the same tree map to one project.
func Canonicalize(humanKey string) string {
	key := strings.TrimSpace(humanKey)
	if !strings.HasPrefix(key, "/") && !strings.HasPrefix(key, "~") {
		return key
	}
	if strings.HasPrefix(key, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			key = filepath.Join(home, key[1:])
		}
	}
	if resolved, err := filepath.EvalSymlinks(key); err == nil {
		key = resolved
	}
	return filepath.Clean(key)
}

// SlugFor derives the project slug from a canonical human key.
func SlugFor(canonical string) string {
	base := canonical
	if strings.HasPrefix(canonical, "/") {
		base = filepath.Base(canonical)
	}
	slug := archive.Slugify(base)
	if slug == "" {
		slug = "project"
	}
	return slug
}

// EnsureProject registers a project by human key, idempotently. Symlinked
// paths canonicalize to the same slug. A slug collision between two distinct
// human keys disambiguates with a short suffix.
func (s *Service) EnsureProject(ctx context.Context, humanKey string) (*domain.Project, error) {
	if strings.TrimSpace(humanKey) == "" {
		return nil, domain.Invalid("human_key is required")
	}
	canonical := Canonicalize(humanKey)
	slug := SlugFor(canonical)

	for suffix := 0; ; suffix++ {
		candidate := slug
		if suffix > 0 {
			candidate = fmt.Sprintf("%s-%d", slug, suffix+1)
		}
		existing, err := s.catalog.ProjectBySlug(ctx, candidate)
		if err != nil {
			if domain.Kind(err) != domain.ErrProjectNotFound {
				return nil, err
			}
		} else if Canonicalize(existing.HumanKey) != canonical {
			continue
		}
		p, err := s.catalog.UpsertProject(ctx, candidate, canonical)
		if err != nil {
			return nil, err
		}
		if err := s.archive.WriteProjectProfile(ctx, p); err != nil {
			s.logger.Printf("identity: project profile archive write for %s: %v", p.Slug, err)
		}
		return p, nil
	}
}

// ResolveProject finds a project by slug or human key. Keys that look like
// paths are canonicalized first.
func (s *Service) ResolveProject(ctx context.Context, key string) (*domain.Project, error) {
	if strings.TrimSpace(key) == "" {
		return nil, domain.Invalid("project key is required")
	}
	if p, err := s.catalog.ProjectBySlug(ctx, key); err == nil {
		return p, nil
	}
	canonical := Canonicalize(key)
	if p, err := s.catalog.ProjectByHumanKey(ctx, canonical); err == nil {
		return p, nil
	}
	p, err := s.catalog.ProjectBySlug(ctx, SlugFor(canonical))
	if err != nil || Canonicalize(p.HumanKey) != canonical {
		return nil, domain.E(domain.ErrProjectNotFound, "project %q not found", key)
	}
	return p, nil
}

// RegisterParams carries register_agent arguments.
type RegisterParams struct {
	ProjectKey        string
	Name              string
	Program           string
	Model             string
	TaskDescription   string
	AttachmentsPolicy string
	ContactPolicy     string
}

// RegisterAgent registers or refreshes an agent. Absent name coins one.
func (s *Service) RegisterAgent(ctx context.Context, p RegisterParams) (*domain.Agent, error) {
	project, err := s.ResolveProject(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	if p.Program == "" {
		return nil, domain.Invalid("program is required")
	}
	if p.ContactPolicy != "" && !domain.ValidContactPolicy(p.ContactPolicy) {
		return nil, domain.Invalid("unknown contact policy %q", p.ContactPolicy)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return s.CreateAgentIdentity(ctx, p)
	}
	agent, err := s.catalog.UpsertAgent(ctx, &domain.Agent{
		ProjectID:         project.ID,
		Name:              name,
		Program:           p.Program,
		Model:             p.Model,
		TaskDescription:   p.TaskDescription,
		AttachmentsPolicy: defaultStr(p.AttachmentsPolicy, domain.AttachAuto),
		ContactPolicy:     defaultStr(p.ContactPolicy, domain.ContactAuto),
		RegistrationToken: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.archive.WriteAgentProfile(ctx, project.Slug, agent); err != nil {
		s.logger.Printf("identity: agent profile archive write for %s: %v", agent.Name, err)
	}
	return agent, nil
}

// CreateAgentIdentity registers an agent under a coined adjective+noun name,
// retrying on collision. A usable name hint wins over coinage.
func (s *Service) CreateAgentIdentity(ctx context.Context, p RegisterParams) (*domain.Agent, error) {
	project, err := s.ResolveProject(ctx, p.ProjectKey)
	if err != nil {
		return nil, err
	}
	if p.Program == "" {
		return nil, domain.Invalid("program is required")
	}
	for attempt := 0; attempt < 24; attempt++ {
		name := normalizeNameHint(p.Name)
		if name == "" || attempt > 0 {
			name = coinName(s.rng, attempt/4)
		}
		if _, err := s.catalog.AgentByName(ctx, project.ID, name); err == nil {
			continue
		} else if domain.Kind(err) != domain.ErrAgentNotFound {
			return nil, err
		}
		agent, err := s.catalog.UpsertAgent(ctx, &domain.Agent{
			ProjectID:         project.ID,
			Name:              name,
			Program:           p.Program,
			Model:             p.Model,
			TaskDescription:   p.TaskDescription,
			AttachmentsPolicy: defaultStr(p.AttachmentsPolicy, domain.AttachAuto),
			ContactPolicy:     defaultStr(p.ContactPolicy, domain.ContactAuto),
			RegistrationToken: uuid.NewString(),
		})
		if err != nil {
			return nil, err
		}
		if err := s.archive.WriteAgentProfile(ctx, project.Slug, agent); err != nil {
			s.logger.Printf("identity: agent profile archive write for %s: %v", agent.Name, err)
		}
		return agent, nil
	}
	return nil, domain.E(domain.ErrInternal, "could not coin a unique agent name in project %s", project.Slug)
}

// WhoisResult is the whois payload: the agent plus optional recent archive
// commits touching its paths.
type WhoisResult struct {
	Agent         *domain.Agent `json:"agent"`
	Project       string        `json:"project"`
	RecentCommits []string      `json:"recent_commits,omitempty"`
}

// Whois looks up an agent by name.
func (s *Service) Whois(ctx context.Context, projectKey, agentName string, includeRecentCommits bool) (*WhoisResult, error) {
	project, err := s.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.catalog.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return nil, err
	}
	res := &WhoisResult{Agent: agent, Project: project.Slug}
	if includeRecentCommits {
		repo, err := s.archive.Project(ctx, project.Slug)
		if err == nil {
			res.RecentCommits = recentCommits(ctx, repo, 5)
		}
	}
	return res, nil
}

// SetContactPolicy updates an agent's contact gate.
func (s *Service) SetContactPolicy(ctx context.Context, projectKey, agentName, policy string) (*domain.Agent, error) {
	project, err := s.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.catalog.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.SetContactPolicy(ctx, agent.ID, policy); err != nil {
		return nil, err
	}
	agent.ContactPolicy = policy
	return agent, nil
}

// BindWindow ties a terminal window UUID to an agent name so restarts in the
// same window reclaim the identity. A blank UUID mints one.
func (s *Service) BindWindow(ctx context.Context, projectKey, windowUUID string, p RegisterParams) (*domain.Agent, string, error) {
	project, err := s.ResolveProject(ctx, projectKey)
	if err != nil {
		return nil, "", err
	}
	if windowUUID == "" {
		windowUUID = uuid.NewString()
	} else if _, err := uuid.Parse(windowUUID); err != nil {
		return nil, "", domain.Invalid("malformed window uuid %q", windowUUID)
	}

	if w, err := s.catalog.WindowByUUID(ctx, project.ID, windowUUID); err != nil {
		return nil, "", err
	} else if w != nil {
		p.Name = w.DisplayName
	}
	p.ProjectKey = project.Slug
	agent, err := s.RegisterAgent(ctx, p)
	if err != nil {
		return nil, "", err
	}
	if err := s.catalog.BindWindow(ctx, &domain.WindowIdentity{
		ProjectID:   project.ID,
		WindowUUID:  windowUUID,
		DisplayName: agent.Name,
	}); err != nil {
		return nil, "", err
	}
	return agent, windowUUID, nil
}

func recentCommits(ctx context.Context, repo *archive.Repo, n int) []string {
	subjects, err := repo.RecentSubjects(ctx, n)
	if err != nil {
		return nil
	}
	return subjects
}

func defaultStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
