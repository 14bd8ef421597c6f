package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
	"github.com/helpdesk-forge/helpdesk/pkg/models"
)

// directoryPageSize bounds each recipient query so a large user base never
// loads in one go.
const directoryPageSize = 20

// Directory answers the recipient queries notification routing needs. All
// results are detached snapshots.
type Directory struct {
	db *gorm.DB
}

// NewDirectory returns a directory backed by db.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// Admins returns every administrator account.
func (d *Directory) Admins(ctx context.Context) ([]messaging.UserSnapshot, error) {
	return d.byRole(ctx, models.RoleAdmin)
}

// Techs returns every tech account.
func (d *Directory) Techs(ctx context.Context) ([]messaging.UserSnapshot, error) {
	return d.byRole(ctx, models.RoleTech)
}

// Staff returns techs and admins together, deduplicated by construction
// since each account has exactly one role.
func (d *Directory) Staff(ctx context.Context) ([]messaging.UserSnapshot, error) {
	techs, err := d.Techs(ctx)
	if err != nil {
		return nil, err
	}
	admins, err := d.Admins(ctx)
	if err != nil {
		return nil, err
	}
	return append(techs, admins...), nil
}

func (d *Directory) byRole(ctx context.Context, role models.Role) ([]messaging.UserSnapshot, error) {
	var out []messaging.UserSnapshot
	for page := 0; ; page++ {
		var users []models.User
		err := d.db.WithContext(ctx).
			Where("role = ?", role).
			Order("user_name asc").
			Limit(directoryPageSize).
			Offset(page * directoryPageSize).
			Find(&users).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list %s accounts: %w", role, err)
		}
		for i := range users {
			out = append(out, users[i].Snapshot())
		}
		if len(users) < directoryPageSize {
			return out, nil
		}
	}
}

// Subscribers returns the accounts subscribed to a ticket's updates.
func (d *Directory) Subscribers(ctx context.Context, issueID int) ([]messaging.UserSnapshot, error) {
	var out []messaging.UserSnapshot
	for page := 0; ; page++ {
		var subs []models.IssueSubscriber
		err := d.db.WithContext(ctx).
			Preload("User").
			Where("issue_id = ?", issueID).
			Order("id asc").
			Limit(directoryPageSize).
			Offset(page * directoryPageSize).
			Find(&subs).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list subscribers for issue %d: %w", issueID, err)
		}
		for _, sub := range subs {
			if sub.User != nil {
				out = append(out, sub.User.Snapshot())
			}
		}
		if len(subs) < directoryPageSize {
			return out, nil
		}
	}
}

// RecentComments returns a ticket's newest comments, newest first.
// Comments flagged for tech view are included only when forTechView is set.
func (d *Directory) RecentComments(ctx context.Context, issueID, limit int, forTechView bool) ([]models.Comment, error) {
	q := d.db.WithContext(ctx).
		Preload("Author").
		Where("issue_id = ?", issueID)
	if !forTechView {
		q = q.Where("for_tech_view = ?", false)
	}
	var comments []models.Comment
	err := q.Order("created_at desc").
		Limit(limit).
		Find(&comments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for issue %d: %w", issueID, err)
	}
	return comments, nil
}
