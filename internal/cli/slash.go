// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/model"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// errQuit ends the REPL.
var errQuit = errors.New("quit")

// =============================================================================
// PARSING
// =============================================================================

// Command is a parsed slash command line.
type Command struct {
	// Name is lowercased and without the slash.
	Name string
	// Args are the whitespace-separated arguments.
	Args []string
	// Rest is the raw text after the name, trimmed.
	Rest string
}

// ParseSlash parses "/name args...". ok is false when input is not a
// slash command.
func ParseSlash(input string) (Command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || len(input) < 2 {
		return Command{}, false
	}
	name, rest, _ := strings.Cut(input[1:], " ")
	rest = strings.TrimSpace(rest)
	return Command{
		Name: strings.ToLower(name),
		Args: strings.Fields(rest),
		Rest: rest,
	}, true
}

// =============================================================================
// COMMAND TABLE
// =============================================================================

type slashCommand struct {
	name    string
	aliases []string
	usage   string
	help    string
	// generates is set for commands that start a generation; the REPL
	// waits for it to finish before prompting again.
	generates bool
	run       func(s *Session, c Command) error
}

var slashCommands []slashCommand

func init() {
	slashCommands = []slashCommand{
		{name: "help", aliases: []string{"h", "?"}, usage: "/help", help: "Show available commands", run: cmdHelp},
		{name: "models", aliases: []string{"ls"}, usage: "/models", help: "List models on the server", run: cmdModels},
		{name: "model", aliases: []string{"m"}, usage: "/model [NAME]", help: "Show or switch the model", run: cmdModel},
		{name: "pull", usage: "/pull NAME [--insecure]", help: "Download a model in the background", run: cmdPull},
		{name: "cancel", usage: "/cancel NAME", help: "Cancel a running pull", run: cmdCancel},
		{name: "delete", aliases: []string{"rm"}, usage: "/delete NAME", help: "Delete a model from the server", run: cmdDelete},
		{name: "new", usage: "/new", help: "Start a new session", run: cmdNew},
		{name: "clear", aliases: []string{"c"}, usage: "/clear", help: "Clear the current session", run: cmdClear},
		{name: "regen", aliases: []string{"r"}, usage: "/regen", help: "Regenerate the last reply", generates: true, run: cmdRegen},
		{name: "edit", aliases: []string{"e"}, usage: "/edit N TEXT", help: "Replace message N and resend", generates: true, run: cmdEdit},
		{name: "history", usage: "/history [md]", help: "Show the conversation", run: cmdHistory},
		{name: "system", usage: "/system [TEXT]", help: "Show or set the system prompt", run: cmdSystem},
		{name: "host", usage: "/host [URL]", help: "Show or change the Ollama server", run: cmdHost},
		{name: "save", usage: "/save [FILE.md|FILE.json]", help: "Save or export the transcript", run: cmdSave},
		{name: "docs", aliases: []string{"d"}, usage: "/docs [add|rm|search] [ARG]", help: "Manage documents for prompt context (list, on, off)", run: cmdDocs},
		{name: "transcripts", usage: "/transcripts", help: "List saved transcripts", run: cmdTranscripts},
		{name: "status", aliases: []string{"s"}, usage: "/status", help: "Show server health and running operations", run: cmdStatus},
		{name: "quit", aliases: []string{"q", "exit"}, usage: "/quit", help: "Exit", run: func(*Session, Command) error { return errQuit }},
	}
}

// lookupCommand finds a command by name or alias.
func lookupCommand(name string) (slashCommand, bool) {
	for _, c := range slashCommands {
		if c.name == name {
			return c, true
		}
		for _, a := range c.aliases {
			if a == name {
				return c, true
			}
		}
	}
	return slashCommand{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

func cmdHelp(s *Session, _ Command) error {
	s.view.Println(TitleStyle.Render("Commands"))
	for _, c := range slashCommands {
		s.view.Println("  " + CommandStyle.Render(util.PadRight(c.usage, 28)) + " " + c.help)
	}
	s.view.Println(DimStyle.Render("  Ctrl+C stops a reply; Ctrl+D exits."))
	return nil
}

func cmdModels(s *Session, _ Command) error {
	snap, err := s.app.Snapshot(s.ctx)
	if err != nil {
		return err
	}
	s.view.Println(strings.TrimRight(FormatModels(snap.Models, snap.Model), "\n"))
	return nil
}

func cmdModel(s *Session, c Command) error {
	if c.Rest == "" {
		snap, err := s.app.Snapshot(s.ctx)
		if err != nil {
			return err
		}
		if snap.Model == "" {
			s.view.Println("No model selected.")
		} else {
			s.view.Println("Model: " + snap.Model)
		}
		return nil
	}
	return s.app.SelectModel(s.ctx, c.Rest)
}

func cmdPull(s *Session, c Command) error {
	insecure := false
	var name []string
	for _, a := range c.Args {
		if a == "--insecure" {
			insecure = true
			continue
		}
		name = append(name, a)
	}
	return s.app.Pull(s.ctx, strings.Join(name, " "), insecure)
}

func cmdCancel(s *Session, c Command) error {
	return s.app.CancelPull(s.ctx, c.Rest)
}

func cmdDelete(s *Session, c Command) error {
	return s.app.Delete(s.ctx, c.Rest)
}

func cmdNew(s *Session, _ Command) error {
	if err := s.app.NewSession(s.ctx); err != nil {
		return err
	}
	s.view.Println(DimStyle.Render("New session."))
	return nil
}

func cmdClear(s *Session, _ Command) error {
	if err := s.app.Clear(s.ctx); err != nil {
		return err
	}
	s.view.Println(DimStyle.Render("Session cleared."))
	return nil
}

func cmdRegen(s *Session, _ Command) error {
	return s.app.Regenerate(s.ctx)
}

func cmdEdit(s *Session, c Command) error {
	numStr, text, _ := strings.Cut(c.Rest, " ")
	n, err := strconv.Atoi(numStr)
	if err != nil || n < 1 {
		return fmt.Errorf("usage: /edit N TEXT (N from /history)")
	}
	return s.app.EditAndResend(s.ctx, n-1, text)
}

func cmdHistory(s *Session, c Command) error {
	t, err := s.app.History(s.ctx)
	if err != nil {
		return err
	}
	if len(t.Messages) == 0 {
		s.view.Println("No messages yet.")
		return nil
	}
	if c.Rest == "md" {
		s.view.Printf("%s", renderMarkdown(s.renderer, storage.Markdown(t)))
		return nil
	}
	s.view.Printf("%s", FormatHistory(t.Messages))
	return nil
}

func cmdSystem(s *Session, c Command) error {
	if c.Rest == "" {
		t, err := s.app.History(s.ctx)
		if err != nil {
			return err
		}
		if t.SystemPrompt == "" {
			s.view.Println("No system prompt.")
		} else {
			s.view.Println(t.SystemPrompt)
		}
		return nil
	}
	prompt := c.Rest
	if prompt == "-" {
		prompt = ""
	}
	return s.app.SetSystemPrompt(s.ctx, prompt)
}

func cmdHost(s *Session, c Command) error {
	if c.Rest == "" {
		snap, err := s.app.Snapshot(s.ctx)
		if err != nil {
			return err
		}
		s.view.Println("Host: " + snap.Host)
		return nil
	}
	return s.app.ChangeHost(s.ctx, c.Rest)
}

func cmdSave(s *Session, c Command) error {
	t, err := s.app.History(s.ctx)
	if err != nil {
		return err
	}
	if c.Rest != "" {
		if err := storage.ExportFile(c.Rest, t); err != nil {
			return err
		}
		s.view.Println(RenderStatus("ok") + " exported to " + c.Rest)
		return nil
	}
	if s.store == nil {
		return errors.New("transcript store unavailable")
	}
	path, err := s.store.Save(t)
	if err != nil {
		return err
	}
	s.view.Println(RenderStatus("ok") + " saved " + path)
	return nil
}

func cmdTranscripts(s *Session, _ Command) error {
	if s.store == nil {
		return errors.New("transcript store unavailable")
	}
	metas, err := s.store.List()
	if err != nil {
		return err
	}
	s.view.Println(strings.TrimRight(storage.FormatList(metas), "\n"))
	return nil
}

func cmdStatus(s *Session, _ Command) error {
	snap, err := s.app.Snapshot(s.ctx)
	if err != nil {
		return err
	}
	_, pingErr := s.app.Ping(s.ctx)
	if pingErr != nil {
		s.view.Println("Host:    " + snap.Host + " " + RenderStatus("error"))
		s.view.Println(FormatFailure("server", events.Classify(pingErr)))
	} else {
		s.view.Println("Host:    " + snap.Host + " " + RenderStatus("ok"))
	}
	s.view.Println("Model:   " + snap.Model)
	s.view.Println("State:   " + snap.State.String())
	if len(snap.Pulling) > 0 {
		s.view.Println("Pulling: " + strings.Join(snap.Pulling, ", "))
	}
	s.view.Println(DimStyle.Render(snap.Activity))
	return nil
}

// cmdDocs dispatches "/docs SUB ARG". ARG is the raw rest of the line, so
// paths and queries may contain spaces.
func cmdDocs(s *Session, c Command) error {
	if !s.app.HasDocuments() {
		return errors.New("document store unavailable")
	}
	sub, arg, _ := strings.Cut(c.Rest, " ")
	sub = strings.ToLower(sub)
	arg = strings.TrimSpace(arg)

	switch sub {
	case "", "status":
		return docsStatus(s)

	case "list", "ls":
		list, err := s.app.Documents(s.ctx)
		if err != nil {
			return err
		}
		s.view.Println(strings.TrimRight(FormatDocuments(list), "\n"))

	case "add":
		if arg == "" {
			return errors.New("usage: /docs add FILE")
		}
		doc, err := s.app.AddDocument(s.ctx, arg)
		if err != nil {
			return err
		}
		s.view.Println(fmt.Sprintf("%s added %s (%d words, %d chunks)", RenderStatus("ok"), doc.Name, doc.Words, doc.Chunks))

	case "rm", "remove":
		if arg == "" {
			return errors.New("usage: /docs rm ID|NAME")
		}
		doc, err := s.app.RemoveDocument(s.ctx, arg)
		if err != nil {
			return err
		}
		s.view.Println(RenderStatus("deleted") + " " + doc.Name)

	case "search":
		if arg == "" {
			return errors.New("usage: /docs search QUERY")
		}
		results, err := s.app.SearchDocuments(s.ctx, arg, 0)
		if err != nil {
			return err
		}
		s.view.Println(strings.TrimRight(FormatSearchResults(arg, results), "\n"))

	case "on", "off":
		if err := s.app.SetDocumentContext(s.ctx, sub == "on"); err != nil {
			return err
		}
		s.view.Println(DimStyle.Render("Document context " + sub + "."))

	default:
		return fmt.Errorf("unknown /docs command %q (add, list, rm, search, on, off)", sub)
	}
	return nil
}

func docsStatus(s *Session) error {
	snap, err := s.app.Snapshot(s.ctx)
	if err != nil {
		return err
	}
	list, err := s.app.Documents(s.ctx)
	if err != nil {
		return err
	}
	state := "off"
	if snap.DocumentContext {
		state = "on"
	}
	s.view.Println(fmt.Sprintf("Documents: %d  Context: %s", len(list), state))
	s.view.Println(DimStyle.Render("Formats: " + strings.Join(docs.SupportedFormats(), " ")))
	return nil
}

// FormatHistory numbers the messages of a session for /history and /edit.
func FormatHistory(messages []model.MessageView) string {
	var sb strings.Builder
	width := len(strconv.Itoa(len(messages)))
	for i, m := range messages {
		label := m.Role.DisplayName()
		if m.Role == model.RoleAssistant {
			label = AssistantStyle.Render(label)
		} else {
			label = PromptStyle.Render(label)
		}
		fmt.Fprintf(&sb, "%*d. %s: %s\n", width, i+1, label, util.TruncateRunes(util.FirstLine(m.Content), 72))
	}
	return sb.String()
}

// commandNames returns every command name and alias, sorted, for completion.
func commandNames() []string {
	var names []string
	for _, c := range slashCommands {
		names = append(names, "/"+c.name)
		for _, a := range c.aliases {
			names = append(names, "/"+a)
		}
	}
	sort.Strings(names)
	return names
}
