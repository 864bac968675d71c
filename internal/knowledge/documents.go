package knowledge

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// maxChunkChars caps the size of merged paragraphs.
const maxChunkChars = 1200

var blankLines = regexp.MustCompile(`\n\s*\n`)

// EnsureBase returns the knowledge base with the given name, creating it
// when absent.
func EnsureBase(db *gorm.DB, name, description string) (*models.KnowledgeBase, error) {
	if name == "" {
		return nil, fmt.Errorf("knowledge: base name is required")
	}
	kb := models.KnowledgeBase{Name: name, Description: description}
	if err := db.Where(models.KnowledgeBase{Name: name}).FirstOrCreate(&kb).Error; err != nil {
		return nil, fmt.Errorf("knowledge: ensure base %q: %w", name, err)
	}
	return &kb, nil
}

// GetBase looks up a knowledge base by name.
func GetBase(db *gorm.DB, name string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	if err := db.Where("name = ?", name).First(&kb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("knowledge: base not found: %s", name)
		}
		return nil, fmt.Errorf("knowledge: get base %s: %w", name, err)
	}
	return &kb, nil
}

// SplitParagraphs splits plain text on blank lines and merges short
// paragraphs so each chunk stays under maxChunkChars where possible.
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var chunks []string
	var cur strings.Builder
	for _, p := range blankLines.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p)+2 > maxChunkChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// AddDocument replaces the chunks of document name in knowledge base kbID
// with paragraphs of text. New chunks have no embedding until IndexMissing
// runs.
func AddDocument(db *gorm.DB, kbID uint, name, text string) ([]models.KnowledgeChunk, error) {
	parts := SplitParagraphs(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("knowledge: document %q is empty", name)
	}
	chunks := make([]models.KnowledgeChunk, len(parts))
	for i, p := range parts {
		chunks[i] = models.KnowledgeChunk{
			KnowledgeBaseID: kbID,
			DocumentName:    name,
			Position:        i,
			Content:         p,
		}
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ? AND document_name = ?", kbID, name).
			Delete(&models.KnowledgeChunk{}).Error; err != nil {
			return fmt.Errorf("knowledge: clear document %q: %w", name, err)
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return fmt.Errorf("knowledge: store document %q: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}
