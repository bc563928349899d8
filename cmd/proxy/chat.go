package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/qwenbridge/qwenbridge/internal/client"
	"github.com/qwenbridge/qwenbridge/internal/openai"
)

var (
	chatBaseURL string
	chatAPIKey  string
	chatModel   string
	chatStream  bool
	chatVerbose bool
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a running proxy",
		Run:   runChat,
	}
	cmd.Flags().StringVar(&chatBaseURL, "url", "http://localhost:8080", "proxy base URL")
	cmd.Flags().StringVar(&chatAPIKey, "api-key", os.Getenv("API_KEY"), "API key for the proxy")
	cmd.Flags().StringVar(&chatModel, "model", "qwen-max-latest", "model name (feature suffixes allowed)")
	cmd.Flags().BoolVar(&chatStream, "stream", true, "stream the responses")
	cmd.Flags().BoolVar(&chatVerbose, "verbose", false, "print raw payloads")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) {
	rl, err := readline.New("> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize readline: %v\n", err)
		osExit(1)
		return
	}
	defer func() { _ = rl.Close() }()

	c := client.NewChatClient(chatBaseURL, chatAPIKey)
	opts := client.ChatOptions{Model: chatModel, UseStreaming: chatStream, VerboseMode: chatVerbose}

	fmt.Printf("Chatting with %s via %s (exit with /quit)\n", chatModel, chatBaseURL)
	var messages []openai.Message
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		case "/reset":
			messages = nil
			fmt.Println("(history cleared)")
			continue
		}

		messages = append(messages, openai.Message{Role: openai.RoleUser, Content: openai.TextContent(line)})
		reply, err := c.SendChat(messages, opts, rl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			messages = messages[:len(messages)-1]
			continue
		}
		if !opts.UseStreaming {
			fmt.Println(reply)
		}
		messages = append(messages, openai.Message{Role: openai.RoleAssistant, Content: openai.TextContent(reply)})
	}
}
