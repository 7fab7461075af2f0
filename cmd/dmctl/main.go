// Command dmctl issues development tokens and drives the messaging API
// from a terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/capitalize-ai/direct-messaging/internal/identity"
	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/pkg/client"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

// Connection holds the options shared by commands that call the server.
type Connection struct {
	Server string `long:"server" env:"DM_SERVER" default:"http://localhost:8080" description:"base URL of the messaging server"`
	Token  string `long:"token" env:"DM_TOKEN" required:"true" description:"bearer token"`
	User   string `long:"user" env:"DM_USER" required:"true" description:"user ID the token belongs to"`
}

func (c *Connection) engine() (*client.Engine, *client.HTTPTransport, error) {
	log, err := logger.New("warn")
	if err != nil {
		return nil, nil, err
	}
	tr := client.NewHTTPTransport(c.Server, c.Token)
	return client.NewEngine(tr, client.Options{UserID: c.User, Logger: log}), tr, nil
}

type Token struct {
	Secret string        `long:"secret" env:"JWT_SECRET" required:"true" description:"HMAC secret shared with the server"`
	User   string        `long:"user" required:"true" description:"subject of the token"`
	TTL    time.Duration `long:"ttl" default:"24h" description:"token lifetime"`
}

type Send struct {
	Connection
	To           string `long:"to" description:"recipient user ID"`
	Conversation string `long:"conversation" description:"existing conversation ID"`
	Args         struct {
		Body []string `positional-arg-name:"body" required:"1"`
	} `positional-args:"yes"`
}

type Listen struct {
	Connection
}

type History struct {
	Connection
	Conversation string `long:"conversation" required:"true" description:"conversation ID"`
}

type Conversations struct {
	Connection
	Search string `long:"search" description:"filter by display name or handle"`
}

var (
	tokenCmd         Token
	sendCmd          Send
	listenCmd        Listen
	historyCmd       History
	conversationsCmd Conversations
)

var parser = flags.NewParser(nil, flags.Default)

func main() {
	parser.AddCommand("token",
		"issue a development token",
		"The token command signs a bearer token for a user with the server's JWT secret",
		&tokenCmd)
	parser.AddCommand("send",
		"send a message",
		"The send command sends a message to a user or into an existing conversation",
		&sendCmd)
	parser.AddCommand("listen",
		"print live events",
		"The listen command holds a session open and prints every event, reconnecting on failure",
		&listenCmd)
	parser.AddCommand("history",
		"print a conversation",
		"The history command fetches a conversation and prints its messages in order",
		&historyCmd)
	parser.AddCommand("conversations",
		"list conversations",
		"The conversations command prints the conversation directory, most recent first",
		&conversationsCmd)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

func (x *Token) Execute(args []string) error {
	token, err := identity.Issue(x.Secret, x.User, x.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func (x *Send) Execute(args []string) error {
	if (x.To == "") == (x.Conversation == "") {
		return errors.New("exactly one of --to or --conversation is required")
	}
	e, _, err := x.engine()
	if err != nil {
		return err
	}
	entry, err := e.Send(context.Background(), model.SendMessageRequest{
		ConversationID: x.Conversation,
		RecipientID:    x.To,
		Body:           strings.Join(x.Args.Body, " "),
	})
	if err != nil {
		if entry.Retryable {
			return fmt.Errorf("send failed, safe to retry: %w", err)
		}
		return err
	}
	fmt.Printf("%s seq=%d conversation=%s\n", entry.Message.ID, entry.Message.Seq, entry.Message.ConversationID)
	return nil
}

// printer writes every event as a JSON line before the engine applies it.
type printer struct {
	client.Listener
}

func (p printer) Listen(ctx context.Context, handle func(*model.Event)) error {
	enc := json.NewEncoder(os.Stdout)
	return p.Listener.Listen(ctx, func(ev *model.Event) {
		_ = enc.Encode(ev)
		handle(ev)
	})
}

func (x *Listen) Execute(args []string) error {
	e, tr, err := x.engine()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return e.Run(ctx, printer{tr})
}

func (x *History) Execute(args []string) error {
	e, _, err := x.engine()
	if err != nil {
		return err
	}
	if err := e.Open(context.Background(), x.Conversation); err != nil {
		return err
	}
	for _, entry := range e.Messages(x.Conversation) {
		m := entry.Message
		fmt.Printf("%4d %s %-10s %s: %s\n", m.Seq, m.CreatedAt.Format(time.RFC3339), entry.State, m.SenderID, m.Body)
	}
	return nil
}

func (x *Conversations) Execute(args []string) error {
	e, _, err := x.engine()
	if err != nil {
		return err
	}
	if err := e.RefreshPreviews(context.Background()); err != nil {
		return err
	}
	for _, p := range e.Search(x.Search) {
		name := p.OtherParticipant.DisplayName
		if name == "" {
			name = p.OtherParticipant.ID
		}
		fmt.Printf("%s %-24s unread=%d last=%s\n", p.ConversationID, name, p.UnreadCount, p.LastMessageAt.Format(time.RFC3339))
	}
	return nil
}
