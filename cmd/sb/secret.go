package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/secret"
	"golang.org/x/term"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Tool credential commands",
	}

	cmd.AddCommand(newSecretEncryptCmd())
	return cmd
}

func newSecretEncryptCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a tool credential for the auth_config column",
		Long: `Reads a credential (for example the auth JSON of an HTTP tool) from stdin
and prints it encrypted with the configured encryption key. On a terminal the
input is not echoed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecretEncrypt(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSecretEncrypt(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	p, err := secret.New(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}

	plain, err := readSecret(cmd)
	if err != nil {
		return err
	}
	if plain == "" {
		return fmt.Errorf("nothing to encrypt")
	}
	sealed, err := p.Encrypt(plain)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sealed)
	return nil
}

func readSecret(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Secret: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	var b strings.Builder
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
