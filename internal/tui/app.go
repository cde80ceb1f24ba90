package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/kinshipapp/kinchat/internal/bus"
	"github.com/kinshipapp/kinchat/internal/chat"
	"github.com/rivo/tview"
)

// App is the terminal front end. It holds no messaging state of its
// own: intents go to the chat client, renders come from its snapshot,
// and "store."/"conn." bus events trigger redraws.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	client    *chat.Client
	bus       *bus.Bus
	flash     Flash
	statusBar *StatusBar
	chanList  *ChannelList
	msgView   *MessageView
	composer  *Composer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(client *chat.Client, b *bus.Bus, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		client:    client,
		bus:       b,
		statusBar: NewStatusBar(),
		chanList:  NewChannelList(),
		msgView:   NewMessageView(),
		composer:  NewComposer(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(profileName)
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupCallbacks() {
	a.chanList.SetSelectedFunc(func(row, col int) {
		if id := a.chanList.SelectedChannel(); id != 0 {
			a.openChannel(id)
		}
	})

	a.composer.SetOnChange(func() {
		a.client.Typing()
	})

	a.composer.SetOnSend(func(text string) {
		snap := a.client.Snapshot()
		if snap.Current == nil {
			return
		}
		channelID := snap.Current.ID.Int()
		go func() {
			if err := a.client.Send(a.ctx, channelID, text, ""); err != nil {
				a.flash.Set("Send failed: "+err.Error(), 5*time.Second)
			}
			a.redraw()
		}()
	})
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("channels", a.chanList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && currentPage == "chat" {
			a.pages.SwitchToPage("channels")
			a.app.SetFocus(a.chanList)
			return nil
		}

		if currentPage == "chat" && event.Key() == tcell.KeyPgUp {
			a.loadOlder()
			return nil
		}

		// Let text input widgets handle all keys normally.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}

		if event.Key() == tcell.KeyRune {
			switch event.Rune() {
			case 'q':
				a.Stop()
				return nil
			case 'i':
				if currentPage == "chat" {
					a.app.SetFocus(a.composer.InputField)
					return nil
				}
			}
		}

		return event
	})
}

func (a *App) openChannel(channelID int64) {
	go func() {
		if err := a.client.SwitchTo(a.ctx, channelID); err != nil {
			a.flash.Set("Join failed: "+err.Error(), 5*time.Second)
			a.redraw()
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.pages.SwitchToPage("chat")
			a.app.SetFocus(a.composer.InputField)
			a.render()
		})
	}()
}

func (a *App) loadOlder() {
	snap := a.client.Snapshot()
	if snap.Current == nil || snap.LoadingMore {
		return
	}
	channelID := snap.Current.ID.Int()
	next := snap.Pagination.CurrentPage + 1
	go func() {
		if err := a.client.LoadMore(a.ctx, channelID, next); err != nil {
			a.flash.Set("History load failed: "+err.Error(), 5*time.Second)
		}
		a.redraw()
	}()
}

func (a *App) redraw() {
	a.app.QueueUpdateDraw(a.render)
}

// render repaints every view from one consistent snapshot.
func (a *App) render() {
	snap := a.client.Snapshot()

	a.chanList.Update(snap.Channels)
	a.msgView.Update(snap.Messages, snap.TypingUsers)
	if snap.Current != nil {
		title := snap.Current.Name
		if title == "" {
			title = "chat"
		}
		a.msgView.SetTitle(" " + title + " ")
	}

	a.statusBar.SetStatus(string(a.client.State()))
	if snap.Err != "" {
		a.flash.Set(snap.Err, 5*time.Second)
	}
	a.statusBar.SetFlash(a.flash.Get())
}

// Run connects and starts the UI loop, redrawing on bus events.
func (a *App) Run() error {
	events, unsub := a.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case <-events:
				a.redraw()
			case <-a.ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := a.client.Connect(a.ctx); err != nil {
			a.flash.Set("Connect failed: "+err.Error(), 10*time.Second)
		}
		a.redraw()
	}()

	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
