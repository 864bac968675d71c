package safety

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Builtin rule keys.
const (
	KeyRepeatedResponse = "repeated_response"
	KeyPaymentCard      = "payment_card_number"
	KeyInternalLeak     = "internal_disclosure"
	KeyTone             = "tone_review"
)

type builtinRule struct {
	rule    models.SafetyRule
	enabled bool
}

var builtinRules = []builtinRule{
	{rule: models.SafetyRule{
		Name:        "Repeated response",
		BuiltinKey:  KeyRepeatedResponse,
		Description: "The same reply has already been sent twice in this conversation.",
		CheckType:   CheckKeyword,
		Severity:    "medium",
		Action:      ActionEscalate,
	}, enabled: true},
	{rule: models.SafetyRule{
		Name:        "Payment card number",
		BuiltinKey:  KeyPaymentCard,
		Description: "Reply contains something shaped like a payment card number.",
		CheckType:   CheckRegex,
		Pattern:     `\b(?:\d[ -]?){13,16}\b`,
		Severity:    "critical",
		Action:      ActionBlock,
	}, enabled: true},
	{rule: models.SafetyRule{
		Name:        "Internal disclosure",
		BuiltinKey:  KeyInternalLeak,
		Description: "Reply mentions internal-only material.",
		CheckType:   CheckKeyword,
		Pattern:     "internal use only, system prompt, confidential",
		Severity:    "high",
		Action:      ActionBlock,
	}, enabled: true},
	{rule: models.SafetyRule{
		Name:        "Tone review",
		BuiltinKey:  KeyTone,
		Description: "LLM review of tone and commitments.",
		CheckType:   CheckLLM,
		Severity:    "low",
		Action:      ActionFlag,
	}, enabled: false},
}

// SeedBuiltinRules inserts each builtin rule that does not exist yet.
// Existing rows, including operator edits to them, are left alone.
func SeedBuiltinRules(db *gorm.DB) (int, error) {
	created := 0
	for _, b := range builtinRules {
		rule := b.rule
		rule.Builtin = true
		var count int64
		if err := db.Model(&models.SafetyRule{}).Where("builtin_key = ?", rule.BuiltinKey).Count(&count).Error; err != nil {
			return created, fmt.Errorf("safety: seed %s: %w", rule.BuiltinKey, err)
		}
		if count > 0 {
			continue
		}
		if err := db.Create(&rule).Error; err != nil {
			return created, fmt.Errorf("safety: seed %s: %w", rule.BuiltinKey, err)
		}
		created++
		if !b.enabled {
			if err := db.Model(&rule).Update("enabled", false).Error; err != nil {
				return created, fmt.Errorf("safety: seed %s: %w", rule.BuiltinKey, err)
			}
		}
	}
	return created, nil
}
