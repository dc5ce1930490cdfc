// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/model"
)

// View prints application events to a terminal in line mode.
//
// Handle runs on the event loop; writes are serialized with the REPL's own
// output through the View's lock.
type View struct {
	mu  sync.Mutex
	out io.Writer

	// reply being streamed and how many bytes of it are on screen
	replyID string
	printed int

	// last progress decile printed per pulled model
	pullDecile map[string]int

	idle chan struct{}
}

// NewView creates a view writing to out.
func NewView(out io.Writer) *View {
	return &View{
		out:        out,
		pullDecile: make(map[string]int),
		idle:       make(chan struct{}, 1),
	}
}

// Idle receives once each time a generation reaches a terminal state.
func (v *View) Idle() <-chan struct{} {
	return v.idle
}

// drainIdle discards a pending idle signal.
func (v *View) drainIdle() {
	select {
	case <-v.idle:
	default:
	}
}

// Printf writes formatted output under the view lock.
func (v *View) Printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

// Println writes a line under the view lock.
func (v *View) Println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

// Handle prints one event.
func (v *View) Handle(e events.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev := e.(type) {
	case events.SessionUpdated:
		v.printReply(ev.Messages)

	case events.GenerationStarted:
		v.replyID = ""
		v.printed = 0

	case events.GenerationCompleted:
		if ev.Content == "" {
			fmt.Fprintln(v.out, DimStyle.Render("(empty reply)"))
		} else {
			fmt.Fprintln(v.out)
		}
		v.signalIdle()

	case events.GenerationCancelled:
		fmt.Fprintln(v.out, "\n"+WarningStyle.Render("[Cancelled]"))
		v.signalIdle()

	case events.GenerationFailed:
		if v.printed > 0 {
			fmt.Fprintln(v.out)
		}
		fmt.Fprintln(v.out, FormatFailure("generation failed", ev.Failure))
		v.signalIdle()

	case events.ModelSelected:
		fmt.Fprintln(v.out, DimStyle.Render("Model: "+ev.Name))

	case events.ModelListFailed:
		fmt.Fprintln(v.out, FormatFailure("listing models", ev.Failure))

	case events.ModelPullProgress:
		decile := int(ev.Fraction * 10)
		if last, ok := v.pullDecile[ev.Name]; ok && decile <= last {
			return
		}
		v.pullDecile[ev.Name] = decile
		fmt.Fprintln(v.out, FormatProgress(ev))

	case events.ModelPullDone:
		delete(v.pullDecile, ev.Name)
		fmt.Fprintln(v.out, RenderStatus("done")+" pulled "+ev.Name)

	case events.ModelPullCancelled:
		delete(v.pullDecile, ev.Name)
		fmt.Fprintln(v.out, RenderStatus("cancelled")+" pull of "+ev.Name)

	case events.ModelDeleted:
		fmt.Fprintln(v.out, RenderStatus("deleted")+" "+ev.Name)

	case events.ModelOperationFailed:
		delete(v.pullDecile, ev.Name)
		fmt.Fprintln(v.out, FormatFailure(fmt.Sprintf("%s %s", ev.Op, ev.Name), ev.Failure))

	case events.HostChanged:
		fmt.Fprintln(v.out, DimStyle.Render("Host: "+ev.Host))

	case events.DocumentContextAttached:
		fmt.Fprintln(v.out, FormatDocumentContext(ev))
	}
}

// printReply prints whatever part of the newest assistant reply is not on
// screen yet. Content of a reply only grows, so a byte offset suffices.
func (v *View) printReply(messages []model.MessageView) {
	if len(messages) == 0 {
		v.replyID = ""
		v.printed = 0
		return
	}
	last := messages[len(messages)-1]
	if last.Role != model.RoleAssistant {
		return
	}
	if last.ID != v.replyID {
		if !last.Streaming {
			return
		}
		v.replyID = last.ID
		v.printed = 0
		fmt.Fprint(v.out, AssistantStyle.Render("Assistant: "))
	}
	if len(last.Content) > v.printed {
		fmt.Fprint(v.out, last.Content[v.printed:])
		v.printed = len(last.Content)
	}
}

func (v *View) signalIdle() {
	select {
	case v.idle <- struct{}{}:
	default:
	}
}
