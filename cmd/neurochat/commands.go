package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"neurochat/internal/server"
	"neurochat/internal/services"
	"neurochat/pkg/chattypes"
)

var (
	chatModel        string
	chatSystem       string
	chatConversation string
	chatFiles        []string
	chatStream       bool
	chatRegenerate   bool
)

// chatCmd sends one message and prints the answer
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message and print the answer",
	Long: `Send a single message, optionally continuing a stored conversation.
The message is read from stdin when no argument is given.`,
	RunE: runChat,
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

// historyCmd groups the history subcommands
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation (id or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation (id or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model id, optionally as <config>::<model>")
	chatCmd.Flags().StringVarP(&chatSystem, "system", "s", "", "System instruction")
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "Continue a stored conversation (id or prefix)")
	chatCmd.Flags().StringSliceVarP(&chatFiles, "file", "f", nil, "Attach a file (repeatable)")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "Print the answer as it arrives instead of rendering it at the end")
	chatCmd.Flags().BoolVar(&chatRegenerate, "regenerate", false, "Regenerate the last answer of --conversation")

	serveCmd.Flags().String("addr", "", "Listen address [default: server.addr]")
	if err := viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding addr flag: %v\n", err)
		os.Exit(1)
	}

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	text := strings.Join(args, " ")
	if text == "" && !chatRegenerate {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		text = strings.TrimSpace(data)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	files, err := loadAttachments(chatFiles)
	if err != nil {
		return err
	}

	turn := services.Turn{
		Text:              text,
		SystemInstruction: chatSystem,
		Files:             files,
		Model:             chatModel,
		Settings:          a.cfg.ProviderSettings(""),
		Preprocess:        a.cfg.Preprocessing(),
		Regenerate:        chatRegenerate,
	}
	if chatConversation != "" {
		conv, err := a.chats.FindByPrefix(ctx, chatConversation)
		if err != nil {
			return err
		}
		turn.ConversationID = conv.ID
	}

	out := cmd.OutOrStdout()
	var sink func(text, thoughts string)
	if chatStream {
		sink = (&deltaPrinter{w: out}).Update
	}

	conv, res, err := a.chats.Send(ctx, turn, sink)
	if chatStream {
		fmt.Fprintln(out)
	} else {
		a.printAnswer(out, res.Text, res.Thoughts)
	}
	for _, img := range res.Images {
		fmt.Fprintf(out, "[image] %s\n", imageLabel(img))
	}
	if conv.ID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", conv.ID)
	}

	switch res.Status {
	case chattypes.StatusCancelled:
		fmt.Fprintln(cmd.ErrOrStderr(), "cancelled")
		return nil
	case chattypes.StatusError:
		return fmt.Errorf("%s", res.ErrorText)
	}
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := viper.GetString("server.addr")
	api := server.New(a.chats, server.Options{
		Canceller:  a.dispatcher,
		Settings:   a.cfg.ProviderSettings,
		Preprocess: a.cfg.Preprocessing(),
	})
	return api.Run(ctx, addr)
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	convs, err := a.chats.Store().List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}
	for _, c := range convs {
		fmt.Fprintf(out, "%s  %s  %3d  %s\n", shortID(c.ID), c.Timestamp.Local().Format(time.DateTime), len(c.Messages), c.Title)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.chats.FindByPrefix(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n%s\n\n", conv.Title, conv.ID)
	for _, m := range conv.Messages {
		switch m.Role {
		case chattypes.RoleUser:
			fmt.Fprintf(out, "> %s\n", m.Text)
			if n := len(m.Attachments); n > 0 {
				fmt.Fprintf(out, "  (%d attachment(s))\n", n)
			}
		default:
			a.printAnswer(out, m.Text, m.Thoughts)
			for _, img := range m.GeneratedImages {
				fmt.Fprintf(out, "[image] %s\n", imageLabel(img))
			}
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.chats.FindByPrefix(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := a.chats.Store().Delete(cmd.Context(), conv.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", conv.ID, conv.Title)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func imageLabel(img chattypes.ImageRef) string {
	label := img.URL
	if label == "" {
		label = fmt.Sprintf("inline %s (%d bytes base64)", img.MIMEType, len(img.Base64))
	}
	if img.Alt != "" {
		label += " " + img.Alt
	}
	return label
}

func readAllStdin() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("no message given; pass it as an argument or on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}
