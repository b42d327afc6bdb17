package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jroimartin/gocui"
)

const (
	messagesView = "messages"
	inputView    = "input"

	pendingLines = 16
)

// tui runs the same command loop as the line mode inside a two pane
// terminal UI: server output on top, an editable command line below.
type tui struct {
	gui   *gocui.Gui
	ui    *cli
	title string
	lines chan string
}

func newTUI(ui *cli, title string) (*tui, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, err
	}
	g.Cursor = true

	t := &tui{
		gui:   g,
		ui:    ui,
		title: title,
		lines: make(chan string, pendingLines),
	}
	ui.out = &viewWriter{gui: g, view: messagesView}
	g.SetManagerFunc(t.layout)
	return t, nil
}

func (t *tui) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if v, err := g.SetView(messagesView, 0, 0, maxX-1, maxY-4); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = t.title
		v.Wrap = true
		v.Autoscroll = true
	}

	if v, err := g.SetView(inputView, 0, maxY-3, maxX-1, maxY-1); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Command (Ctrl-C to quit)"
		v.Editable = true
		if _, err = g.SetCurrentView(inputView); err != nil {
			return err
		}
	}
	return nil
}

func (t *tui) keybindings() error {
	if err := t.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(_ *gocui.Gui, _ *gocui.View) error {
			return gocui.ErrQuit
		}); err != nil {
		return err
	}
	return t.gui.SetKeybinding(inputView, gocui.KeyEnter, gocui.ModNone, t.handleInput)
}

func (t *tui) handleInput(_ *gocui.Gui, v *gocui.View) error {
	line := strings.TrimSpace(v.Buffer())
	v.Clear()
	if err := v.SetCursor(0, 0); err != nil {
		return err
	}
	if line == "" {
		return nil
	}
	_, _ = fmt.Fprintf(t.ui.out, "> %s\n", line)
	select {
	case t.lines <- line:
	default:
		_, _ = fmt.Fprintln(t.ui.out, "Busy, command dropped.")
	}
	return nil
}

// Run blocks until the user quits or the command loop ends.
func (t *tui) Run() error {
	defer t.gui.Close()
	if err := t.keybindings(); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for line := range t.lines {
			if _, err := io.WriteString(pw, line+"\n"); err != nil {
				return
			}
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		t.ui.run(pr)
		t.gui.Update(func(_ *gocui.Gui) error {
			return gocui.ErrQuit
		})
	}()

	err := t.gui.MainLoop()
	close(t.lines)
	// unblocks a pending write if the loop already stopped reading
	_ = pw.Close()
	<-feederDone
	<-loopDone

	if errors.Is(err, gocui.ErrQuit) {
		return nil
	}
	return err
}

// viewWriter appends to a view from any goroutine.
type viewWriter struct {
	gui  *gocui.Gui
	view string
}

func (w *viewWriter) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	w.gui.Update(func(g *gocui.Gui) error {
		v, err := g.View(w.view)
		if err != nil {
			return err
		}
		_, err = v.Write(b)
		return err
	})
	return len(p), nil
}
