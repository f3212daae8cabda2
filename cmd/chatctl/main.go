package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joelkehle/farmchat/internal/chat"
	"github.com/joelkehle/farmchat/internal/chatclient"
)

const usage = `usage: chatctl [flags] <command> [args]

commands:
  token <participant-id>             mint a development token (needs FARMCHAT_JWT_SECRET)
  send <recipient-id> <text>         send a message
  list                               list conversations
  thread <conversation-key>          print a conversation oldest first
  read [conversation-key]            mark one or all conversations read
  tail                               print live events until interrupted
`

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "chat server base URL")
		ctxID   = flag.String("context", "", "context id for send")
		limit   = flag.Int("limit", 50, "page size for list and thread")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := dispatch(ctx, os.Stdout, *baseURL, *ctxID, *limit, args); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, out io.Writer, baseURL, contextID string, limit int, args []string) error {
	if args[0] == "token" {
		if len(args) != 2 {
			return errors.New("token needs a participant id")
		}
		tok, err := mintToken(os.Getenv("FARMCHAT_JWT_SECRET"), args[1], 24*time.Hour)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, tok)
		return err
	}

	token := strings.TrimSpace(os.Getenv("FARMCHAT_TOKEN"))
	if token == "" {
		return errors.New("missing FARMCHAT_TOKEN")
	}
	c := chatclient.NewClient(baseURL, token, chatclient.Options{})

	switch args[0] {
	case "send":
		if len(args) < 3 {
			return errors.New("send needs a recipient and text")
		}
		res, err := c.Send(ctx, chatclient.SendRequest{
			RecipientID: args[1],
			Text:        strings.Join(args[2:], " "),
			ContextID:   contextID,
		})
		if err != nil {
			return err
		}
		return printJSON(out, res)
	case "list":
		page, err := c.Conversations(ctx, limit, "")
		if err != nil {
			return err
		}
		for _, s := range page.Conversations {
			fmt.Fprintf(out, "%-40s %-20s unread=%-3d %s\n", s.Key, s.Counterpart.DisplayName, s.UnreadCount, s.Preview)
		}
		return nil
	case "thread":
		if len(args) != 2 {
			return errors.New("thread needs a conversation key")
		}
		cursor := ""
		for {
			page, err := c.Messages(ctx, chat.ConversationKey(args[1]), chatclient.MessagesQuery{Cursor: cursor, Limit: limit})
			if err != nil {
				return err
			}
			for _, m := range page.Messages {
				fmt.Fprintf(out, "%s %-12s %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, describe(m.Body))
			}
			if page.NextCursor == "" {
				return nil
			}
			cursor = page.NextCursor
		}
	case "read":
		var (
			n   int
			err error
		)
		if len(args) > 1 {
			n, err = c.MarkRead(ctx, chat.ConversationKey(args[1]))
		} else {
			n, err = c.MarkAllRead(ctx)
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "marked %d\n", n)
		return err
	case "tail":
		err := c.Events(ctx, func(evt chat.Event) { _ = printJSON(out, evt) })
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func mintToken(secret, subject string, ttl time.Duration) (string, error) {
	if len(secret) < 16 {
		return "", errors.New("FARMCHAT_JWT_SECRET must be at least 16 bytes")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func describe(b chat.Body) string {
	if b.MediaRef == "" {
		return b.Text
	}
	if b.Text == "" {
		return "[" + b.MediaRef + "]"
	}
	return b.Text + " [" + b.MediaRef + "]"
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
