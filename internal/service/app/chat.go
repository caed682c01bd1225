package app

import (
	"context"
	"fmt"
	"time"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/receiver"
	"e2e_messenger/internal/service/relay"
	"e2e_messenger/internal/service/sender"
	"e2e_messenger/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

// Chat is a terminal conversation with one peer. It is the receiver's
// Processor, so it must exist before the Client.
type Chat struct {
	app     *tview.Application
	chatbox *tview.TextView
	status  *tview.TextView
	input   *tview.InputField

	peer model.UserId
}

func NewChat(peer model.UserId) *Chat {
	c := &Chat{
		app:  tview.NewApplication(),
		peer: peer,
	}
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", peer))

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
	c.app.SetRoot(layout, true).SetFocus(c.input)
	return c
}

func (c *Chat) ProcessMessage(_ context.Context, from model.UserId, m model.ChatMessageWrapper) error {
	switch msg := m.Message.(type) {
	case model.Text:
		at := time.UnixMilli(msg.Timestamp).Format("15:04")
		c.print("[green]%s %s:[-] %s", at, from, tview.Escape(msg.Message))
	case model.GroupEvent:
		c.print("[gray]group event from %s[-]", from)
	case model.Control:
		if msg.WasAdded {
			c.print("[gray]%s added you as a contact[-]", from)
		}
	}
	return nil
}

// Run blocks until the UI is closed or ctx ends.
func (c *Chat) Run(ctx context.Context, client *Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.bindInput(ctx, client)
	go c.watch(ctx, client)
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()
	return c.app.Run()
}

func (c *Chat) bindInput(ctx context.Context, client *Client) {
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if _, err := client.SendText(ctx, c.peer, msg); err != nil {
				log.Error("send message failed", zap.Error(err))
				c.print("[red]not sent:[-] %s", err)
				return
			}
			c.print("[yellow]You:[-] %s", tview.Escape(msg))
		}(text)
	})
}

func (c *Chat) watch(ctx context.Context, client *Client) {
	status, stopStatus := client.Status(16)
	defer stopStatus()
	out, stopOut := client.Outgoing(16)
	defer stopOut()
	in, stopIn := client.Incoming(16)
	defer stopIn()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-status:
			if !ok {
				return
			}
			c.showStatus(ev)
		case ev, ok := <-out:
			if !ok {
				return
			}
			if f, ok := ev.(sender.Failed); ok {
				c.print("[red]message %s dropped:[-] %s", f.Metadata.MessageId, f.Err)
			}
		case ev, ok := <-in:
			if !ok {
				return
			}
			if f, ok := ev.(receiver.DecryptionFailed); ok {
				c.print("[red]could not decrypt a message from %s[-]", f.Id.Address)
			}
		}
	}
}

func (c *Chat) showStatus(ev relay.StatusEvent) {
	var line string
	switch ev := ev.(type) {
	case relay.StateChanged:
		line = ev.State.String()
	case relay.RetryCountdown:
		line = fmt.Sprintf("reconnecting in %ds (attempt %d)", ev.Remaining, ev.Attempt)
	case relay.AuthenticationFailed:
		line = "[red]authentication failed:[-] " + ev.Err.Error()
	case relay.ConnectionFailure:
		line = "[red]connection failed:[-] " + ev.Err.Error()
	case relay.ClockDiffChanged:
		if ev.Diff == 0 {
			return
		}
		line = fmt.Sprintf("[yellow]local clock is off by %s[-]", (-ev.Diff).Round(time.Second))
	default:
		return
	}
	c.app.QueueUpdateDraw(func() {
		c.status.SetText(" " + line)
	})
}

func (c *Chat) print(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}
