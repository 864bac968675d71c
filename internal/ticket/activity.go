package ticket

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// AddActivity appends an audit line to a ticket's trail.
func AddActivity(db *gorm.DB, ticketID, actor, action, detail string) error {
	if ticketID == "" {
		return fmt.Errorf("ticket: activity needs a ticket ID")
	}
	a := models.TicketActivity{
		TicketID: ticketID,
		Actor:    actor,
		Action:   action,
		Detail:   detail,
	}
	if err := db.Create(&a).Error; err != nil {
		return fmt.Errorf("ticket: add activity to %s: %w", ticketID, err)
	}
	return nil
}

// Activities returns a ticket's trail, oldest first.
func Activities(db *gorm.DB, ticketID string) ([]models.TicketActivity, error) {
	var out []models.TicketActivity
	if err := db.Where("ticket_id = ?", ticketID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ticket: activities %s: %w", ticketID, err)
	}
	return out, nil
}
