package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/kinshipapp/kinchat/internal/wire"
	"github.com/rivo/tview"
)

// ChannelList is the left-hand conversation table.
type ChannelList struct {
	*tview.Table
	channels []wire.Channel
}

// NewChannelList creates the channel list table.
func NewChannelList() *ChannelList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Family Chats ")
	return &ChannelList{Table: table}
}

// Update refreshes the channel list with new data.
func (cl *ChannelList) Update(channels []wire.Channel) {
	cl.channels = channels
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, ch := range channels {
		row := i + 1
		name := ch.Name
		if name == "" {
			name = fmt.Sprintf("channel %d", ch.ID.Int())
		}
		if ch.IsOnline != nil && *ch.IsOnline {
			name = "• " + name
		}
		if ch.UnreadCount > 0 {
			name = fmt.Sprintf("%s (%d)", name, ch.UnreadCount)
		}

		preview := ""
		ts := int64(0)
		if ch.LatestMessage != nil {
			preview = ch.LatestMessage.Body
			ts = ch.LatestMessage.CreatedAt
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+preview).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(ts)).SetMaxWidth(12))
	}
}

// SelectedChannel returns the id of the selected channel, or 0.
func (cl *ChannelList) SelectedChannel() int64 {
	row, _ := cl.GetSelection()
	idx := row - 1 // account for header
	if idx >= 0 && idx < len(cl.channels) {
		return cl.channels[idx].ID.Int()
	}
	return 0
}

// MessageView renders the open channel's message window.
type MessageView struct {
	*tview.TextView
}

// NewMessageView creates the message pane.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true)
	return &MessageView{TextView: tv}
}

// Update rewrites the pane from the message window and typing set.
func (mv *MessageView) Update(messages []wire.Message, typing []int64) {
	mv.Clear()
	for _, m := range messages {
		who := "them"
		tick := ""
		if m.FromMe {
			who = "me"
			tick = receiptTick(m)
		}
		line := fmt.Sprintf("[gray]%s[-] [::b]%s[-:-:-] %s%s", formatTimestamp(m.CreatedAt), who, tview.Escape(m.Body), tick)
		if m.Attachment != nil {
			line += fmt.Sprintf(" [blue][%s][-]", m.Attachment.Name)
		}
		fmt.Fprintln(mv, line)
	}
	if len(typing) == 1 {
		fmt.Fprintf(mv, "[green]someone is typing...[-]\n")
	} else if len(typing) > 1 {
		fmt.Fprintf(mv, "[green]%d people are typing...[-]\n", len(typing))
	}
	mv.ScrollToEnd()
}

func receiptTick(m wire.Message) string {
	switch {
	case m.ReadAt != 0:
		return " [blue]✓✓[-]"
	case m.DeliveredAt != 0:
		return " ✓✓"
	default:
		return " ✓"
	}
}

// Composer is the text input for sending messages.
type Composer struct {
	*tview.InputField
	onSend   func(text string)
	onChange func()
}

// NewComposer creates the message composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && c.onSend != nil {
			text := c.GetText()
			if text != "" {
				c.onSend(text)
				c.SetText("")
			}
		}
	})
	input.SetChangedFunc(func(string) {
		if c.onChange != nil {
			c.onChange()
		}
	})

	return c
}

// SetOnSend sets the callback when a message is submitted.
func (c *Composer) SetOnSend(fn func(text string)) { c.onSend = fn }

// SetOnChange sets the per-keystroke callback (drives typing signals).
func (c *Composer) SetOnChange(fn func()) { c.onChange = fn }

// StatusBar displays the connection state and transient errors.
type StatusBar struct {
	*tview.TextView
	profile string
	status  string
	flash   string
}

// NewStatusBar creates the status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetStatus updates the connection state display.
func (sb *StatusBar) SetStatus(status string) {
	sb.status = status
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s", sb.profile, sb.status, time.Now().Format("15:04"))
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sb.flash)
	}
	_, _ = fmt.Fprint(sb, line)
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
