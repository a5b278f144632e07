package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/christopherjohns/chatrelay/internal/client"
	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/folkengine/goname"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// A terminal chat client. Lines typed on stdin are sent to the active room.
// Commands: /to <id>, /public, /who, /typing and /quit.

var (
	serverURL  string
	nickname   string
	transport  string
	logLevel   string
	maxRetries int
)

func main() {
	root := &cobra.Command{
		Use:          "chatclient",
		Short:        "Join a chatrelay server from the terminal",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "server base URL")
	root.Flags().StringVarP(&nickname, "nickname", "n", "", "nickname (default: a generated guest name)")
	root.Flags().StringVarP(&transport, "transport", "t", "socket", "transport: poll, stream or socket")
	root.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	root.Flags().IntVar(&maxRetries, "max-retries", 0, "give up after this many failed reconnects (0 retries forever)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "chatclient",
		Level:  hclog.LevelFromString(logLevel),
		Output: cmd.ErrOrStderr(),
	})

	if nickname == "" {
		nickname = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}

	opts := []client.TransportOption{
		client.WithTransportLogger(logger.Named(transport)),
		client.WithMaxRetries(maxRetries),
	}
	var tr client.Transport
	switch transport {
	case "poll":
		tr = client.NewPollTransport(serverURL, opts...)
	case "stream":
		tr = client.NewStreamTransport(serverURL, opts...)
	case "socket":
		tr = client.NewSocketTransport(serverURL, opts...)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}

	p := newPrinter(cmd.OutOrStdout(), client.DefaultViewSize)
	session := client.NewSession(user.User{Nickname: nickname}, tr,
		client.WithLogger(logger),
		client.WithOnUpdate(p.update),
	)
	p.self = session.Self().ID
	fmt.Fprintf(p.out, "joining %s as %s (%s)\n", serverURL, nickname, p.self)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	g.Go(func() error {
		return session.Run(ctx)
	})
	g.Go(func() error {
		defer quit()
		return readInput(ctx, cmd.InOrStdin(), session, p)
	})

	err := g.Wait()
	session.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readInput handles stdin lines until /quit, EOF or ctx is done.
func readInput(ctx context.Context, in io.Reader, s *client.Session, p *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/public":
			s.SetPeer("")
			p.notice("back in the public room")
		case strings.HasPrefix(line, "/to "):
			peer := strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			s.SetPeer(peer)
			p.notice("private chat with " + peer)
		case line == "/typing":
			// Stdin is line buffered, so typing is announced on request and
			// stops after the transport's quiet period or the next send.
			if err := s.Keystroke(ctx); err != nil {
				p.notice("typing failed: " + err.Error())
			}
		case line == "/who":
			for _, u := range s.Users() {
				state := "offline"
				if u.IsOnline {
					state = "online"
				}
				p.notice(fmt.Sprintf("%s  %s  %s", u.ID, u.Nickname, state))
			}
		default:
			if err := s.Send(ctx, line); err != nil {
				p.notice("send failed: " + err.Error())
			}
		}
	}
}

// printer writes updates to the terminal. It remembers the ids of the
// last keep messages printed so replayed history is not printed twice.
type printer struct {
	out  io.Writer
	self string
	keep int

	mu      sync.Mutex
	printed map[string]struct{}
	order   []string
}

func newPrinter(out io.Writer, keep int) *printer {
	return &printer{out: out, keep: keep, printed: make(map[string]struct{})}
}

// remember records id and reports whether it was new.
func (p *printer) remember(id string) bool {
	if _, ok := p.printed[id]; ok {
		return false
	}
	p.printed[id] = struct{}{}
	p.order = append(p.order, id)
	if len(p.order) > p.keep {
		delete(p.printed, p.order[0])
		p.order = p.order[1:]
	}
	return true
}

func (p *printer) notice(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "* %s\n", s)
}

func (p *printer) update(u client.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch u.Kind {
	case client.UpdateStatus:
		fmt.Fprintf(p.out, "* %s\n", u.Status)
	case client.UpdateMessages:
		for _, m := range u.Messages {
			if p.remember(m.ID) {
				p.message(m)
			}
		}
	case client.UpdateTypingStart:
		for _, t := range u.Typing {
			if t.UserID != p.self {
				fmt.Fprintf(p.out, "* %s is typing\n", t.Nickname)
			}
		}
	}
}

func (p *printer) message(m message.Message) {
	ts := m.Timestamp.Local().Format("15:04:05")
	switch {
	case m.SenderID == message.SystemSenderID:
		fmt.Fprintf(p.out, "[%s] -- %s\n", ts, m.Content)
	case m.IsPrivate:
		fmt.Fprintf(p.out, "[%s] (private) %s: %s\n", ts, m.SenderNickname, m.Content)
	default:
		fmt.Fprintf(p.out, "[%s] %s: %s\n", ts, m.SenderNickname, m.Content)
	}
}
