package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"escrowchat/internal/milestone"
	"escrowchat/internal/model"
	"escrowchat/internal/payment"
	"escrowchat/internal/room"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrQuit ends the command loop normally.
var ErrQuit = errors.New("shell: quit")

const commandTimeout = 30 * time.Second

// Directory lists the user's conversations.
type Directory interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
}

// Rooms opens and tracks the single open conversation.
type Rooms interface {
	Open(ctx context.Context, conversationID string) (*room.Room, error)
	Current() (*room.Room, bool)
	HandlePaymentReturn(ctx context.Context, u *url.URL) (payment.Result, bool)
}

// Shell 命令行界面：普通输入发送消息，/ 开头是命令
type Shell struct {
	dir    Directory
	rooms  Rooms
	render *Renderer
	logger *zap.Logger
	self   model.User

	mu       sync.Mutex // 串行化渲染输出
	rendered map[string]bool
	lastCard string
	typing   bool
}

func New(dir Directory, rooms Rooms, self model.User, out io.Writer, logger *zap.Logger) *Shell {
	return &Shell{
		dir:      dir,
		rooms:    rooms,
		render:   NewRenderer(out),
		logger:   logger,
		self:     self,
		rendered: make(map[string]bool),
	}
}

// Run reads commands from in until EOF, /quit or ctx is done. If
// conversationID is set it is opened first.
func (s *Shell) Run(ctx context.Context, in io.Reader, conversationID string) error {
	if conversationID != "" {
		s.exec(ctx, "/open "+conversationID)
	} else {
		s.exec(ctx, "/list")
	}

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
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := s.exec(ctx, line); errors.Is(err, ErrQuit) {
				return nil
			}
		}
	}
}

func (s *Shell) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		return s.send(line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		s.help()
	case "/list":
		s.list(ctx)
	case "/open":
		s.open(ctx, arg)
	case "/show":
		s.show()
	case "/type":
		if r, ok := s.room(); ok {
			r.Keystroke()
		}
	case "/create":
		s.create(ctx, arg)
	case "/agree":
		s.withRoom(func(r *room.Room) {
			redirect, err := r.Agree(ctx)
			s.redirectOrError(redirect, err)
		})
	case "/fund":
		s.withRoom(func(r *room.Room) {
			redirect, err := r.Fund(ctx)
			s.redirectOrError(redirect, err)
		})
	case "/complete":
		s.withRoom(func(r *room.Room) {
			if _, err := r.MarkCompleted(ctx); err != nil {
				s.fail(err, false)
			}
		})
	case "/release":
		s.withRoom(func(r *room.Room) {
			if _, err := r.Release(ctx); err != nil {
				s.fail(err, true)
			}
		})
	case "/refresh":
		s.withRoom(func(r *room.Room) {
			if err := r.Refresh(ctx); err != nil {
				s.fail(err, false)
			}
		})
	case "/return":
		s.paste(ctx, arg)
	default:
		s.println("Unknown command " + cmd + ", try /help")
	}
	return nil
}

func (s *Shell) help() {
	s.println(`Commands:
  <text>                        send a message
  /list                         your conversations
  /open <id>                    open a conversation
  /show                         redraw the conversation
  /type                         signal that you are typing
  /create title | price | YYYY-MM-DD | description
  /agree /fund /complete /release
  /refresh                      re-pull milestone state
  /return <url>                 paste a payment return URL
  /quit`)
}

func (s *Shell) list(ctx context.Context) {
	convs, err := s.dir.Conversations(ctx)
	if err != nil {
		s.fail(err, false)
		return
	}
	s.mu.Lock()
	s.render.Conversations(convs, s.self.ID)
	s.mu.Unlock()
}

func (s *Shell) open(ctx context.Context, id string) {
	if id == "" {
		s.println("Usage: /open <conversation id>")
		return
	}
	r, err := s.rooms.Open(ctx, id)
	if err != nil {
		if errors.Is(err, room.ErrNotParticipant) {
			s.println("You are not part of that conversation.")
			return
		}
		s.fail(err, false)
		return
	}
	s.attach(r)
}

// attach 切换到新会话：清空已输出记录，订阅变化并完整绘制
func (s *Shell) attach(r *room.Room) {
	s.mu.Lock()
	s.rendered = make(map[string]bool)
	s.lastCard = ""
	s.typing = false
	s.mu.Unlock()

	r.Subscribe(func() { s.update(r) })
	s.show()
}

func (s *Shell) show() {
	r, ok := s.room()
	if !ok {
		s.println("No conversation open, use /open <id>.")
		return
	}
	view, hasView := r.View()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.draw(r, view, hasView)
}

// draw prints the whole conversation. Callers hold s.mu.
func (s *Shell) draw(r *room.Room, view milestone.View, hasView bool) {
	if peer, ok := r.Counterpart(); ok {
		s.render.Panel(peer, r.Online())
	}
	s.render.Timeline(r.Timeline(), view, hasView, s.self.ID)
	if !hasView {
		s.render.NoMilestone()
	}
	for _, m := range r.Stream.Messages() {
		s.rendered[m.ID] = true
	}
	s.lastCard = cardKey(view, hasView)
}

// update 增量输出：新消息、里程碑变化、对方输入状态。
// 新消息若排在已输出的消息之前，整屏重绘以保持时间顺序
func (s *Shell) update(r *room.Room) {
	if cur, ok := s.room(); !ok || cur != r {
		return
	}
	view, hasView := r.View()

	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []model.Message
	redraw := false
	for _, m := range r.Stream.Messages() {
		if s.rendered[m.ID] {
			if len(fresh) > 0 {
				redraw = true
			}
			continue
		}
		fresh = append(fresh, m)
	}
	if redraw {
		s.draw(r, view, hasView)
	} else {
		for _, m := range fresh {
			s.rendered[m.ID] = true
			s.render.Message(m, s.self.ID)
		}
	}
	if key := cardKey(view, hasView); key != s.lastCard {
		s.lastCard = key
		if hasView {
			s.render.Card(view)
		} else {
			s.render.NoMilestone()
		}
	}
	if typing := r.Stream.PeerTyping(); typing != s.typing {
		s.typing = typing
		if peer, ok := r.Counterpart(); ok {
			s.render.PeerTyping(peer.DisplayName(), typing)
		}
	}
}

// cardKey changes whenever the rendered card would.
func cardKey(v milestone.View, ok bool) string {
	if !ok {
		return ""
	}
	m := v.Milestone
	return fmt.Sprintf("%s|%s|%t|%t|%d|%d", m.ID, m.Status, m.BuyerPaid, m.PaidToSeller, v.TimeLeft, len(v.Actions))
}

func (s *Shell) send(text string) error {
	r, ok := s.room()
	if !ok {
		s.println("No conversation open, use /open <id>.")
		return nil
	}
	if err := r.Send(text); err != nil {
		s.logger.Warn("Send failed", zap.Error(err))
		s.println("Message not sent, the live connection is down. Try again shortly.")
	}
	return nil
}

// create 解析 "title | price | YYYY-MM-DD | description"
func (s *Shell) create(ctx context.Context, arg string) {
	draft, err := ParseDraft(arg)
	if err != nil {
		s.println(err.Error())
		return
	}
	s.withRoom(func(r *room.Room) {
		if _, err := r.Create(ctx, draft); err != nil {
			s.fail(err, false)
		}
	})
}

// ParseDraft reads a milestone proposal from the /create argument.
func ParseDraft(arg string) (model.MilestoneDraft, error) {
	parts := strings.Split(arg, "|")
	if len(parts) < 3 {
		return model.MilestoneDraft{}, errors.New("usage: /create title | price | YYYY-MM-DD | description")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	price, err := decimal.NewFromString(strings.TrimPrefix(parts[1], "$"))
	if err != nil {
		return model.MilestoneDraft{}, fmt.Errorf("invalid price %q", parts[1])
	}
	due, err := time.ParseInLocation("2006-01-02", parts[2], time.Local)
	if err != nil {
		return model.MilestoneDraft{}, fmt.Errorf("invalid due date %q, use YYYY-MM-DD", parts[2])
	}
	d := model.MilestoneDraft{Title: parts[0], Price: price, DueDate: due}
	if len(parts) > 3 {
		d.Description = strings.Join(parts[3:], "|")
	}
	return d, nil
}

func (s *Shell) paste(ctx context.Context, raw string) {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		s.println("Usage: /return <payment return url>")
		return
	}
	s.HandlePaymentReturn(ctx, u)
}

// HandlePaymentReturn is the callback server's sink: it hands the URL to
// the room manager and prints the outcome.
func (s *Shell) HandlePaymentReturn(ctx context.Context, u *url.URL) (payment.Result, bool) {
	before, _ := s.room()
	res, ok := s.rooms.HandlePaymentReturn(ctx, u)
	// 回跳打开了另一个会话
	if after, open := s.room(); open && after != before {
		s.attach(after)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.render.printf("Payment return received but it names no conversation. Open the chat and paste it again with /return.\n")
		return res, false
	}
	s.render.PaymentResult(res)
	return res, true
}

func (s *Shell) redirectOrError(redirect string, err error) {
	if err != nil {
		s.fail(err, false)
		return
	}
	s.mu.Lock()
	s.render.Redirect(redirect)
	s.mu.Unlock()
}

func (s *Shell) withRoom(fn func(r *room.Room)) {
	r, ok := s.room()
	if !ok {
		s.println("No conversation open, use /open <id>.")
		return
	}
	fn(r)
}

func (s *Shell) room() (*room.Room, bool) {
	return s.rooms.Current()
}

func (s *Shell) fail(err error, moneyMoved bool) {
	s.logger.Warn("Command failed", zap.Error(err))
	s.mu.Lock()
	s.render.Error(err, moneyMoved)
	s.mu.Unlock()
}

func (s *Shell) println(msg string) {
	s.mu.Lock()
	s.render.printf("%s\n", msg)
	s.mu.Unlock()
}
