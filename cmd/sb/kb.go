package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/knowledge"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/logging"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Knowledge base commands",
	}

	cmd.AddCommand(newKBAddCmd())
	cmd.AddCommand(newKBIndexCmd())
	return cmd
}

func newKBAddCmd() *cobra.Command {
	var (
		configPath  string
		docName     string
		description string
	)

	cmd := &cobra.Command{
		Use:   "add <kb> <file>",
		Short: "Add or replace a plain-text document in a knowledge base",
		Long: `Splits a plain-text document into paragraph chunks and stores them in the
named knowledge base, creating the base when needed. A document with the same
name is replaced. Run "sb kb index" afterwards to embed the new chunks.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKBAdd(cmd, configPath, args[0], args[1], docName, description)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&docName, "name", "", "document name (default: file name)")
	cmd.Flags().StringVar(&description, "description", "", "knowledge base description, used when creating it")
	return cmd
}

func runKBAdd(cmd *cobra.Command, configPath, kbName, path, docName, description string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if docName == "" {
		docName = filepath.Base(path)
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	kb, err := knowledge.EnsureBase(gormDB, kbName, description)
	if err != nil {
		return err
	}
	chunks, err := knowledge.AddDocument(gormDB, kb.ID, docName, string(data))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d chunks of %s in knowledge base %s\n", len(chunks), docName, kb.Name)
	return nil
}

func newKBIndexCmd() *cobra.Command {
	var (
		configPath string
		batchSize  int
	)

	cmd := &cobra.Command{
		Use:   "index <kb>",
		Short: "Embed knowledge base chunks that have no embedding yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKBIndex(cmd, configPath, args[0], batchSize)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&batchSize, "batch", 32, "chunks per embedding request")
	return cmd
}

func runKBIndex(cmd *cobra.Command, configPath, kbName string, batchSize int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key (or OPENAI_API_KEY) is required to embed chunks")
	}
	kb, err := knowledge.GetBase(gormDB, kbName)
	if err != nil {
		return err
	}

	log := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, Output: cmd.ErrOrStderr()})
	provider := llm.NewProvider(llm.NewClient(cfg.LLM), cfg.LLM.Model, cfg.LLM.EmbeddingModel)
	retriever, err := knowledge.NewRetriever(gormDB, provider, cfg.Knowledge.CacheSize, log)
	if err != nil {
		return err
	}
	n, err := retriever.IndexMissing(cmd.Context(), kb.ID, batchSize)
	if err != nil {
		return fmt.Errorf("indexed %d chunks before failing: %w", n, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d chunks in knowledge base %s\n", n, kb.Name)
	return nil
}
