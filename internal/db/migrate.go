package db

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingAutoReply is the Setting key gating auto-sent replies.
const SettingAutoReply = "auto_reply_enabled"

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Ticket{},
		&models.TicketMessage{},
		&models.TicketActivity{},
		&models.PipelineProcessing{},
		&models.Intent{},
		&models.IntentAction{},
		&models.Variable{},
		&models.TicketVariable{},
		&models.Agent{},
		&models.AgentKnowledgeBase{},
		&models.AgentTool{},
		&models.WorkflowStep{},
		&models.LLMUsage{},
		&models.Tool{},
		&models.ToolExecutionLog{},
		&models.KnowledgeBase{},
		&models.KnowledgeChunk{},
		&models.SafetyRule{},
		&models.SafetyLog{},
		&models.User{},
		&models.Setting{},
		&models.Job{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedUsers inserts configured operators, leaving existing rows untouched.
func SeedUsers(db *gorm.DB, users []config.UserConfig) error {
	for _, uc := range users {
		u := models.User{Name: uc.Name, Email: uc.Email, Role: uc.Role, Active: true}
		if err := db.Where(models.User{Email: uc.Email}).FirstOrCreate(&u).Error; err != nil {
			return fmt.Errorf("db: seed user %q: %w", uc.Email, err)
		}
	}
	return nil
}

// SeedSettings writes default settings only when absent, so values changed
// by operators survive restarts.
func SeedSettings(db *gorm.DB, cfg *config.Config) error {
	s := models.Setting{Key: SettingAutoReply, Value: strconv.FormatBool(cfg.AutoReplyEnabled())}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&s)
	if result.Error != nil {
		return fmt.Errorf("db: seed settings: %w", result.Error)
	}
	return nil
}

// GetSetting returns a setting value, or fallback when the key is absent.
func GetSetting(db *gorm.DB, key, fallback string) (string, error) {
	var s models.Setting
	if err := db.Where(&models.Setting{Key: key}).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fallback, nil
		}
		return "", fmt.Errorf("db: get setting %s: %w", key, err)
	}
	return s.Value, nil
}

// UpdateSettings upserts several settings in one transaction.
func UpdateSettings(db *gorm.DB, values map[string]string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for k, v := range values {
			s := models.Setting{Key: k, Value: v, UpdatedAt: time.Now()}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&s).Error
			if err != nil {
				return fmt.Errorf("db: update setting %s: %w", k, err)
			}
		}
		return nil
	})
}
