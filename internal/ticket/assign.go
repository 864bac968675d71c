package ticket

import (
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// RoleAgent is the user role that receives escalated tickets.
const RoleAgent = "agent"

type operatorLoad struct {
	user   models.User
	active int
	last   time.Time
}

// PickAssignee returns the active agent-role user with the fewest active
// tickets. Ties go to the user assigned longest ago, then the lowest id.
// It returns nil when no such user exists.
func PickAssignee(db *gorm.DB) (*models.User, error) {
	var users []models.User
	if err := db.Where("role = ? AND active = ?", RoleAgent, true).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("ticket: list operators: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	loads := make(map[uint]*operatorLoad, len(users))
	for _, u := range users {
		loads[u.ID] = &operatorLoad{user: u}
	}

	var assigned []models.Ticket
	err := db.Select("id", "status", "assignee_id", "assigned_at").
		Where("assignee_id IS NOT NULL").Find(&assigned).Error
	if err != nil {
		return nil, fmt.Errorf("ticket: load assignments: %w", err)
	}
	for _, t := range assigned {
		l, ok := loads[*t.AssigneeID]
		if !ok {
			continue
		}
		for _, s := range ActiveStatuses {
			if t.Status == s {
				l.active++
				break
			}
		}
		if t.AssignedAt != nil && t.AssignedAt.After(l.last) {
			l.last = *t.AssignedAt
		}
	}

	ranked := make([]*operatorLoad, 0, len(loads))
	for _, l := range loads {
		ranked = append(ranked, l)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.active != b.active {
			return a.active < b.active
		}
		if !a.last.Equal(b.last) {
			return a.last.Before(b.last)
		}
		return a.user.ID < b.user.ID
	})
	u := ranked[0].user
	return &u, nil
}

// AutoAssign assigns a ticket to the least-loaded operator and records the
// assignment in the activity trail. It returns nil when nobody is available.
func AutoAssign(db *gorm.DB, ticketID string) (*models.User, error) {
	u, err := PickAssignee(db)
	if err != nil {
		return nil, err
	}
	if u == nil {
		if err := AddActivity(db, ticketID, "system", "unassigned", "no active operator available"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	now := time.Now()
	err = db.Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(map[string]interface{}{
		"assignee_id": u.ID,
		"assigned_at": now,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("ticket: assign %s: %w", ticketID, err)
	}
	if err := AddActivity(db, ticketID, "system", "assigned", fmt.Sprintf("assigned to %s <%s>", u.Name, u.Email)); err != nil {
		return nil, err
	}
	return u, nil
}
