package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentflow/internal/infra/config"
)

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a secret parameter value",
		Long: `Encrypt a value for the parameters section of the config file. The
passphrase is read from AGENTFLOW_CONFIG_KEY; the value comes from the
argument or, when omitted, the first line of stdin. The output is an enc:
value that is decrypted at load time with the same passphrase.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv(config.EnvConfigKey)
			if passphrase == "" {
				return fmt.Errorf("%s is not set", config.EnvConfigKey)
			}
			value, err := secretValue(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			enc, err := config.EncryptParameter(value, passphrase)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
}

func secretValue(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read value: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no value given")
	}
	return line, nil
}
