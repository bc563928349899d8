package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var setupEnvPath string

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively write the proxy's .env configuration",
		Run:   runSetup,
	}
	cmd.Flags().StringVar(&setupEnvPath, "out", ".env", "path to write the .env file")
	return cmd
}

func runSetup(cmd *cobra.Command, args []string) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("qwenbridge setup")
	fmt.Println("================")

	token := promptSecret("Qwen token (from chat.qwen.ai, input hidden)")
	cookie := promptSecret("Qwen cookie (optional, enables token refresh)")
	apiKey := promptSecret("API key required from clients (optional)")

	fmt.Print("Listen address [:8080]: ")
	listen, _ := reader.ReadString('\n')
	listen = strings.TrimSpace(listen)
	if listen == "" {
		listen = ":8080"
	}

	var sb strings.Builder
	sb.WriteString("QWEN_TOKEN=" + token + "\n")
	if cookie != "" {
		sb.WriteString("QWEN_COOKIE=" + cookie + "\n")
	}
	if apiKey != "" {
		sb.WriteString("API_KEY=" + apiKey + "\n")
	}
	sb.WriteString("LISTEN_ADDR=" + listen + "\n")

	if err := os.WriteFile(setupEnvPath, []byte(sb.String()), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", setupEnvPath, err)
		osExit(1)
		return
	}
	fmt.Printf("Wrote %s. Start the proxy with: qwenbridge serve\n", setupEnvPath)
}

// promptSecret reads a value without echoing it. Falls back to plain reads
// when stdin is not a terminal (piped setup).
func promptSecret(label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		value, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(value))
		}
	}
	reader := bufio.NewReader(os.Stdin)
	value, _ := reader.ReadString('\n')
	return strings.TrimSpace(value)
}
