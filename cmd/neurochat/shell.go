package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/spf13/cobra"

	"neurochat/internal/logger"
	"neurochat/internal/services"
	"neurochat/internal/version"
	"neurochat/pkg/chattypes"
)

// shellCmd represents the shell command (explicit version of default behavior)
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive chat",
	Long:  `Start an interactive chat. Any line that is not a shell command is sent as a message.`,
	RunE:  runShell,
}

// shellSession is the mutable state of one interactive session.
type shellSession struct {
	app            *app
	base           context.Context
	conversationID string
	provider       string
	model          string
}

func runShell(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Starting neurochat shell", "version", version.Version)
	s := &shellSession{app: a, base: cmd.Context()}

	sh := ishell.New()
	sh.SetPrompt("neurochat> ")
	sh.Println(version.GetFormattedVersion())
	sh.Println("Type a message to chat, or 'help' for commands.")

	sh.AddCmd(&ishell.Cmd{Name: "new", Help: "start a new conversation", Func: s.newConversation})
	sh.AddCmd(&ishell.Cmd{Name: "use", Help: "use <id>: continue a stored conversation", Func: s.useConversation})
	sh.AddCmd(&ishell.Cmd{Name: "list", Help: "list stored conversations", Func: s.listConversations})
	sh.AddCmd(&ishell.Cmd{Name: "regen", Help: "regenerate the last answer", Func: s.regenerate})
	sh.AddCmd(&ishell.Cmd{Name: "provider", Help: "provider <name>: switch provider", Func: s.setProvider})
	sh.AddCmd(&ishell.Cmd{Name: "model", Help: "model <id>: switch model", Func: s.setModel})
	sh.NotFound(s.send)

	sh.Run()
	return nil
}

func (s *shellSession) newConversation(c *ishell.Context) {
	s.conversationID = ""
	c.Println("Started a new conversation.")
}

func (s *shellSession) useConversation(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Println("usage: use <id>")
		return
	}
	conv, err := s.app.chats.FindByPrefix(s.base, c.Args[0])
	if err != nil {
		c.Println("Error:", err)
		return
	}
	s.conversationID = conv.ID
	c.Printf("Using %s (%s, %d messages)\n", conv.ID, conv.Title, len(conv.Messages))
}

func (s *shellSession) listConversations(c *ishell.Context) {
	convs, err := s.app.chats.Store().List(s.base)
	if err != nil {
		c.Println("Error:", err)
		return
	}
	for _, conv := range convs {
		marker := " "
		if conv.ID == s.conversationID {
			marker = "*"
		}
		c.Printf("%s %s  %s\n", marker, shortID(conv.ID), conv.Title)
	}
}

func (s *shellSession) setProvider(c *ishell.Context) {
	if len(c.Args) != 1 {
		c.Println("usage: provider <official|web|openai_compatible|grok>")
		return
	}
	s.provider = c.Args[0]
	c.Printf("Provider: %s\n", chattypes.ParseProviderKind(s.provider))
}

func (s *shellSession) setModel(c *ishell.Context) {
	if len(c.Args) > 1 {
		c.Println("usage: model [id]")
		return
	}
	s.model = ""
	if len(c.Args) == 1 {
		s.model = c.Args[0]
	}
	c.Printf("Model: %q\n", s.model)
}

func (s *shellSession) regenerate(c *ishell.Context) {
	if s.conversationID == "" {
		c.Println("Nothing to regenerate yet.")
		return
	}
	s.run(c, services.Turn{Regenerate: true})
}

func (s *shellSession) send(c *ishell.Context) {
	text := strings.TrimSpace(strings.Join(c.RawArgs, " "))
	if text == "" {
		return
	}
	s.run(c, services.Turn{Text: text})
}

// run dispatches one turn. Ctrl-C cancels the turn rather than the shell.
func (s *shellSession) run(c *ishell.Context, turn services.Turn) {
	ctx, stop := signal.NotifyContext(s.base, os.Interrupt)
	defer stop()

	turn.ConversationID = s.conversationID
	turn.Model = s.model
	turn.Settings = s.app.cfg.ProviderSettings(s.provider)
	turn.Preprocess = s.app.cfg.Preprocessing()

	bar := c.ProgressBar()
	bar.Indeterminate(true)
	bar.Start()
	conv, res, err := s.app.chats.Send(ctx, turn, nil)
	bar.Stop()

	if conv.ID != "" {
		s.conversationID = conv.ID
	}

	var out bytes.Buffer
	s.app.printAnswer(&out, res.Text, res.Thoughts)
	for _, img := range res.Images {
		out.WriteString("[image] " + imageLabel(img) + "\n")
	}
	c.Print(out.String())

	switch {
	case res.Status == chattypes.StatusCancelled:
		c.Println("(cancelled)")
	case err != nil:
		c.Println("Error:", err)
	}
}
