package reservation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/catalog"
	"github.com/jaakkos/mailroom/internal/config"
	"github.com/jaakkos/mailroom/internal/domain"
)

// Notifier delivers a system message to one agent. The messaging engine
// satisfies this; the indirection keeps the packages from importing each
// other.
type Notifier interface {
	NotifyAgent(ctx context.Context, projectID, agentID int64, subject, body string) error
}

// Engine implements reservation grants, releases, renewals, forced releases,
// and conflict checks against concrete paths.
type Engine struct {
	catalog  *catalog.Catalog
	archive  *archive.Store
	settings config.Settings
	logger   *log.Logger
	notifier Notifier
}

// NewEngine wires the reservation engine. The notifier may be set later via
// SetNotifier once the messaging engine exists.
func NewEngine(c *catalog.Catalog, a *archive.Store, s config.Settings, logger *log.Logger) *Engine {
	return &Engine{catalog: c, archive: a, settings: s, logger: logger}
}

// SetNotifier installs the system-message sender used by force-release.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// GrantResult is the file_reservation_paths payload: the reservations are
// always granted; conflicts report overlapping exclusive holds by others.
type GrantResult struct {
	Granted   []domain.FileReservation     `json:"granted"`
	Conflicts []domain.ReservationConflict `json:"conflicts,omitempty"`
}

// Grant records one reservation per pattern with a shared TTL, reporting
// overlaps with other agents' active exclusive reservations. K patterns
// produce one archive commit.
func (e *Engine) Grant(ctx context.Context, project *domain.Project, agent *domain.Agent,
	patterns []string, ttl time.Duration, exclusive bool, reason string) (*GrantResult, error) {
	if len(patterns) == 0 {
		return nil, domain.Invalid("paths are required")
	}
	if ttl <= 0 {
		ttl = e.settings.ReservationDefaultTTL
	}
	now := time.Now()

	active, err := e.catalog.ActiveReservations(ctx, project.ID, now)
	if err != nil {
		return nil, err
	}
	conflicts := e.patternConflicts(ctx, patterns, active, agent.ID, exclusive)

	rows := make([]domain.FileReservation, 0, len(patterns))
	for _, p := range patterns {
		rows = append(rows, domain.FileReservation{
			ProjectID:   project.ID,
			AgentID:     agent.ID,
			PathPattern: p,
			Exclusive:   exclusive,
			Reason:      reason,
			CreatedTS:   now,
			ExpiresTS:   now.Add(ttl),
		})
	}
	granted, err := e.catalog.InsertReservations(ctx, rows)
	if err != nil {
		return nil, err
	}
	if err := e.archive.WriteReservations(ctx, project.Slug, "reserve", agent.Name, granted); err != nil {
		e.logger.Printf("reservation: archive write for grant in %s: %v", project.Slug, err)
	}
	return &GrantResult{Granted: granted, Conflicts: conflicts}, nil
}

// patternConflicts reports which requested patterns overlap active
// reservations held by other agents. An exclusive hold conflicts with any
// overlap; a shared hold conflicts only with an exclusive request.
func (e *Engine) patternConflicts(ctx context.Context, patterns []string,
	active []domain.FileReservation, requesterID int64, exclusive bool) []domain.ReservationConflict {
	var out []domain.ReservationConflict
	for _, p := range patterns {
		var holders []domain.ReservationHolder
		for _, r := range active {
			if r.AgentID == requesterID {
				continue
			}
			if !r.Exclusive && !exclusive {
				continue
			}
			if Overlaps(p, r.PathPattern) {
				holders = append(holders, e.holder(ctx, r))
			}
		}
		if len(holders) > 0 {
			out = append(out, domain.ReservationConflict{Pattern: p, Holders: holders})
		}
	}
	return out
}

// CheckPaths runs the pre-write gate for concrete paths a send will touch.
// Exclusive reservations held by others that match any path are conflicts;
// the sender's own holds never block the sender.
func (e *Engine) CheckPaths(ctx context.Context, projectID, senderID int64, paths []string) ([]domain.ReservationConflict, error) {
	active, err := e.catalog.ActiveReservations(ctx, projectID, time.Now())
	if err != nil {
		return nil, err
	}
	var out []domain.ReservationConflict
	for _, r := range active {
		if !r.Exclusive || r.AgentID == senderID {
			continue
		}
		for _, path := range paths {
			if MatchPath(r.PathPattern, path) {
				out = append(out, domain.ReservationConflict{
					Pattern: r.PathPattern,
					Holders: []domain.ReservationHolder{e.holder(ctx, r)},
				})
				break
			}
		}
	}
	return out, nil
}

func (e *Engine) holder(ctx context.Context, r domain.FileReservation) domain.ReservationHolder {
	h := domain.ReservationHolder{
		ID:        r.ID,
		Pattern:   r.PathPattern,
		ExpiresTS: r.ExpiresTS,
	}
	if a, err := e.catalog.AgentByID(ctx, r.AgentID); err == nil {
		h.Agent = a.Name
	}
	return h
}

// Release marks the agent's active reservations whose pattern is in paths
// as released. One archive commit covers the batch.
func (e *Engine) Release(ctx context.Context, project *domain.Project, agent *domain.Agent, paths []string) (int, error) {
	rows, err := e.matchOwn(ctx, project.ID, agent.ID, paths)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := reservationIDs(rows)
	n, err := e.catalog.ReleaseReservations(ctx, ids)
	if err != nil {
		return 0, err
	}
	released, err := e.reload(ctx, project.ID, ids)
	if err != nil {
		return n, err
	}
	if err := e.archive.WriteReservations(ctx, project.Slug, "release", agent.Name, released); err != nil {
		e.logger.Printf("reservation: archive write for release in %s: %v", project.Slug, err)
	}
	return n, nil
}

// Renew extends the agent's matching active reservations to
// max(expires_ts, now+extend). One archive commit.
func (e *Engine) Renew(ctx context.Context, project *domain.Project, agent *domain.Agent,
	paths []string, extend time.Duration) (int, error) {
	if extend <= 0 {
		return 0, domain.Invalid("extend_seconds must be positive")
	}
	rows, err := e.matchOwn(ctx, project.ID, agent.ID, paths)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := reservationIDs(rows)
	n, err := e.catalog.RenewReservations(ctx, ids, extend)
	if err != nil {
		return 0, err
	}
	renewed, err := e.reload(ctx, project.ID, ids)
	if err != nil {
		return n, err
	}
	if err := e.archive.WriteReservations(ctx, project.Slug, "renew", agent.Name, renewed); err != nil {
		e.logger.Printf("reservation: archive write for renew in %s: %v", project.Slug, err)
	}
	return n, nil
}

// ForceRelease releases someone else's reservation, gated on dual staleness:
// the holder's last_active_ts must be older than the inactivity threshold AND
// the archive sidecar must have been quiet beyond the activity grace. The
// holder gets a system notification describing the release.
func (e *Engine) ForceRelease(ctx context.Context, project *domain.Project, requester *domain.Agent, reservationID int64) error {
	r, err := e.catalog.ReservationByID(ctx, project.ID, reservationID)
	if err != nil {
		return err
	}
	if !r.Active(time.Now()) {
		return domain.Invalid("reservation #%d is not active", reservationID)
	}
	holder, err := e.catalog.AgentByID(ctx, r.AgentID)
	if err != nil {
		return err
	}

	now := time.Now()
	inactive := now.Sub(holder.LastActiveTS)
	sidecarAge := e.archive.ReservationSidecarAge(project.Slug, r.ID, now)
	if inactive < e.settings.ReservationInactivity || sidecarAge < e.settings.ReservationActivityGrace {
		return domain.E(domain.ErrReservationNotStale,
			"holder %s active %s ago, sidecar touched %s ago", holder.Name,
			inactive.Round(time.Second), sidecarAge.Round(time.Second)).
			WithData(map[string]any{
				"reservation_id":      r.ID,
				"holder":              holder.Name,
				"inactive_seconds":    int(inactive.Seconds()),
				"sidecar_age_seconds": int(sidecarAge.Seconds()),
			})
	}

	if _, err := e.catalog.ReleaseReservations(ctx, []int64{r.ID}); err != nil {
		return err
	}
	released, err := e.reload(ctx, project.ID, []int64{r.ID})
	if err == nil {
		if aerr := e.archive.WriteReservations(ctx, project.Slug, "force-release", requester.Name, released); aerr != nil {
			e.logger.Printf("reservation: archive write for force-release in %s: %v", project.Slug, aerr)
		}
	}

	if e.notifier != nil {
		subject := fmt.Sprintf("Released stale lock #%d: %s", r.ID, r.PathPattern)
		body := fmt.Sprintf("%s force-released your reservation on `%s` after %s of inactivity.",
			requester.Name, r.PathPattern, inactive.Round(time.Second))
		if nerr := e.notifier.NotifyAgent(ctx, project.ID, holder.ID, subject, body); nerr != nil {
			e.logger.Printf("reservation: stale-release notification to %s: %v", holder.Name, nerr)
		}
	}
	return nil
}

// List returns a project's reservations, optionally active only.
func (e *Engine) List(ctx context.Context, projectID int64, activeOnly bool) ([]domain.FileReservation, error) {
	return e.catalog.ListReservations(ctx, projectID, activeOnly)
}

// SweepExpired flips expired unreleased reservations to released and
// journals the updates, grouped into one commit per project. Returns the
// number swept. The cleanup worker runs this on its tick.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	due, err := e.catalog.ExpiredUnreleased(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	if _, err := e.catalog.ReleaseReservations(ctx, reservationIDs(due)); err != nil {
		return 0, err
	}

	byProject := map[int64][]domain.FileReservation{}
	for _, r := range due {
		byProject[r.ProjectID] = append(byProject[r.ProjectID], r)
	}
	for projectID, rows := range byProject {
		project, err := e.catalog.ProjectByID(ctx, projectID)
		if err != nil {
			e.logger.Printf("reservation: sweep lookup project #%d: %v", projectID, err)
			continue
		}
		released, err := e.reload(ctx, projectID, reservationIDs(rows))
		if err != nil {
			continue
		}
		if err := e.archive.WriteReservations(ctx, project.Slug, "expire", "sweeper", released); err != nil {
			e.logger.Printf("reservation: sweep archive write in %s: %v", project.Slug, err)
		}
	}
	return len(due), nil
}

// matchOwn returns the agent's active reservations whose pattern appears in
// paths.
func (e *Engine) matchOwn(ctx context.Context, projectID, agentID int64, paths []string) ([]domain.FileReservation, error) {
	if len(paths) == 0 {
		return nil, domain.Invalid("paths are required")
	}
	active, err := e.catalog.ActiveReservations(ctx, projectID, time.Now())
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	var out []domain.FileReservation
	for _, r := range active {
		if r.AgentID == agentID && want[r.PathPattern] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) reload(ctx context.Context, projectID int64, ids []int64) ([]domain.FileReservation, error) {
	out := make([]domain.FileReservation, 0, len(ids))
	for _, id := range ids {
		r, err := e.catalog.ReservationByID(ctx, projectID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func reservationIDs(rows []domain.FileReservation) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}
