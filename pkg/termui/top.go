package termui

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/monsterxx03/memreader/pkg/inspect"
	"github.com/monsterxx03/memreader/pkg/process"
)

type TopUI struct {
	app        *tview.Application
	procList   *tview.List
	pages      *tview.Pages
	mapsTable  *tview.Table
	stackView  *tview.TextView
	titleView  *tview.TextView
	searchView *tview.InputField
	help       *tview.TextView
	flex       *tview.Flex
	body       *tview.Flex

	inspector    *inspect.Inspector
	sel          *inspect.Selection
	view         inspect.View
	interval     int
	suspended    bool
	searchFilter string
	procs        []process.Process
	refreshChan  chan struct{}
	inFlight     bool
	lastDuration time.Duration
}

func (t *TopUI) updateHelpText() {
	baseHelp := "[yellow]Press [white]q[green] to quit, [white]enter[green] to select, [white]m[green]/[white]t[green] memory/stack, [white]r[green] to refresh, [white]s[green] to suspend/resume, [white]p[green] to reload processes, [white]/[green] to search"
	if t.searchFilter != "" {
		baseHelp += fmt.Sprintf(" [white]| [green]Current filter: [white]%q", t.searchFilter)
	}
	t.help.SetText(baseHelp)
}

func NewTopUI(in *inspect.Inspector, interval int) *TopUI {
	if interval <= 0 {
		interval = 2
	}
	ui := &TopUI{
		app:       tview.NewApplication(),
		inspector: in,
		sel:       inspect.NewSelection(),
		view:      inspect.MemoryMapView,
		interval:  interval,
	}

	ui.titleView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	ui.procList = tview.NewList().ShowSecondaryText(false)
	ui.procList.SetBorder(true).SetTitle("Processes")

	ui.mapsTable = tview.NewTable().SetFixed(1, 0)
	ui.mapsTable.SetBorder(true).SetTitle("Memory")

	ui.stackView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	ui.stackView.SetBorder(true).SetTitle("Stack")

	ui.pages = tview.NewPages().
		AddPage(inspect.MemoryMapView.String(), ui.mapsTable, true, true).
		AddPage(inspect.StackTraceView.String(), ui.stackView, true, false)

	ui.help = tview.NewTextView().SetDynamicColors(true)
	return ui
}

// Select picks pid before Run, as if chosen in the process list.
func (t *TopUI) Select(pid int) {
	t.sel.Select(pid)
}

func (t *TopUI) Run() error {
	t.updateHelpText()

	t.searchView = tview.NewInputField().
		SetLabel("Search: ").
		SetFieldBackgroundColor(tcell.ColorDefault).
		SetChangedFunc(func(text string) {
			t.searchFilter = text
			t.fillProcList()
		}).
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEsc || key == tcell.KeyEnter {
				t.flex.RemoveItem(t.searchView)
				t.app.SetFocus(t.procList)
				t.updateHelpText()
			}
		})

	t.procList.SetSelectedFunc(func(i int, main, secondary string, shortcut rune) {
		var pid int
		if _, err := fmt.Sscanf(main, "%d", &pid); err != nil {
			return
		}
		t.sel.Select(pid)
		t.refresh()
	})

	t.body = tview.NewFlex().
		AddItem(t.procList, 32, 1, true).
		AddItem(t.pages, 0, 1, false)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.titleView, 1, 1, false).
		AddItem(t.body, 0, 1, true).
		AddItem(t.help, 1, 1, false)

	t.refreshChan = make(chan struct{})
	ticker := time.NewTicker(time.Duration(t.interval) * time.Second)
	defer ticker.Stop()

	t.reloadProcs()
	t.updateTitle()
	t.refresh()

	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if t.app.GetFocus() == t.searchView {
			if event.Key() == tcell.KeyEsc {
				t.app.SetFocus(t.procList)
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyTab:
			if t.app.GetFocus() == t.procList {
				t.app.SetFocus(t.pages)
			} else {
				t.app.SetFocus(t.procList)
			}
			return nil
		}

		switch event.Rune() {
		case 'q':
			t.app.Stop()
			return nil
		case 'r':
			t.refresh()
			return nil
		case 'm':
			t.switchView(inspect.MemoryMapView)
			return nil
		case 't':
			t.switchView(inspect.StackTraceView)
			return nil
		case 'p':
			t.reloadProcs()
			return nil
		case 's':
			t.suspended = !t.suspended
			t.updateTitle()
			return nil
		case '/':
			t.searchView.SetText(t.searchFilter)
			t.flex.AddItem(t.searchView, 1, 1, false)
			t.app.SetFocus(t.searchView)
			return nil
		}
		return event
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ticker.C:
				t.app.QueueUpdate(func() {
					if !t.suspended {
						t.refresh()
					}
				})
			case <-done:
				return
			}
		}
	}()

	return t.app.SetRoot(t.flex, true).Run()
}

func (t *TopUI) switchView(v inspect.View) {
	if t.view == v {
		return
	}
	t.view = v
	t.pages.SwitchToPage(v.String())
	t.updateTitle()
	t.refresh()
}

func (t *TopUI) reloadProcs() {
	ps, err := process.List()
	if err != nil {
		t.sel.Message = fmt.Sprintf("Cannot list processes: %v", err)
		return
	}
	t.procs = ps
	t.fillProcList()
}

func (t *TopUI) fillProcList() {
	t.procList.Clear()
	for _, p := range t.procs {
		if !p.Match(t.searchFilter) {
			continue
		}
		t.procList.AddItem(tview.Escape(p.String()), "", 0, nil)
		if p.Pid == t.sel.PID {
			t.procList.SetCurrentItem(t.procList.GetItemCount() - 1)
		}
	}
}

// refresh must be called on the UI goroutine. The pass itself runs in the
// background since a stack pass blocks until every thread is unwound.
func (t *TopUI) refresh() {
	if t.inFlight {
		return
	}
	t.inFlight = true
	sel := *t.sel
	view := t.view
	go func() {
		start := time.Now()
		res := sel.Refresh(t.inspector, view)
		d := time.Since(start)
		t.app.QueueUpdateDraw(func() {
			t.inFlight = false
			if sel.PID != t.sel.PID || view != t.view {
				t.refresh()
				return
			}
			t.sel.Message = sel.Message
			t.lastDuration = d
			t.render(res)
			t.updateTitle()
		})
	}()
}

func (t *TopUI) updateTitle() {
	pid := "-"
	if t.sel.Selected() {
		pid = fmt.Sprintf("%d", t.sel.PID)
	}
	title := fmt.Sprintf("[yellow]PID: %s [white]| [green]View: %s [white]| [purple]Refresh: %ds [white]| [orange]Update: %v",
		pid, t.view, t.interval, t.lastDuration.Round(time.Microsecond))
	if t.suspended {
		title += " [red](PAUSED)"
	}
	t.titleView.SetText(title)
}

func (t *TopUI) render(res inspect.Result) {
	switch res.View {
	case inspect.MemoryMapView:
		t.renderMaps(res)
	case inspect.StackTraceView:
		t.renderStacks(res)
	}
}

func headerCell(text string) *tview.TableCell {
	return tview.NewTableCell(text).
		SetAlign(tview.AlignLeft).
		SetTextColor(tcell.ColorYellow).
		SetBackgroundColor(tcell.ColorDarkSlateGray).
		SetSelectable(false)
}

func (t *TopUI) renderMaps(res inspect.Result) {
	t.mapsTable.Clear()
	if t.sel.Message != "" {
		t.mapsTable.SetCell(0, 0, tview.NewTableCell(tview.Escape(t.sel.Message)).SetTextColor(tcell.ColorRed))
		return
	}
	if !t.sel.Selected() {
		t.mapsTable.SetCell(0, 0, tview.NewTableCell("Select a process"))
		return
	}
	t.mapsTable.SetCell(0, 0, headerCell("File"))
	t.mapsTable.SetCell(0, 1, headerCell("Start"))
	t.mapsTable.SetCell(0, 2, headerCell("Size"))
	row := 1
	for _, path := range res.Maps.Paths() {
		for i, start := range res.Maps.Starts(path) {
			name := ""
			if i == 0 {
				name = tview.Escape(path)
			}
			t.mapsTable.SetCell(row, 0, tview.NewTableCell(name).SetExpansion(1))
			t.mapsTable.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("0x%x", start)))
			t.mapsTable.SetCell(row, 2, tview.NewTableCell(inspect.HumanateBytes(res.Maps[path][start])).SetAlign(tview.AlignRight))
			row++
		}
	}
}

func (t *TopUI) renderStacks(res inspect.Result) {
	if t.sel.Message != "" {
		t.stackView.SetText("[red]" + tview.Escape(t.sel.Message))
		return
	}
	if !t.sel.Selected() {
		t.stackView.SetText("Select a process")
		return
	}
	var sb strings.Builder
	for _, th := range res.Stacks {
		color := "white"
		if th.Active {
			color = "green"
		}
		fmt.Fprintf(&sb, "[%s]Thread %d [white](%s)\n", color, th.TID, th.State)
		for i, f := range th.Frames {
			fmt.Fprintf(&sb, "  #%-3d %s\n", i, tview.Escape(f))
		}
		sb.WriteString("\n")
	}
	t.stackView.SetText(sb.String())
	t.stackView.ScrollToBeginning()
}
