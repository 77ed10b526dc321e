// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

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
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sentinelstore/console/chat"
)

const chatHelp = `Commands:
  /rooms           list rooms, most recent first
  /join <room>     open a room
  /leave [room]    leave a room (default: the open room)
  /dm <user>       start a direct conversation
  /typing          tell the open room you are typing
  /connect         reconnect after the connection dropped
  /quit            leave the chat
Anything else is sent to the open room.`

const (
	// reconnectInterval paces reconnect attempts after a drop.
	reconnectInterval = 2 * time.Second
	// maxReconnectAttempts bounds the automatic attempts per drop;
	// after that the user can retry with /connect.
	maxReconnectAttempts = 5
)

func runChat(args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		options commonOptions
		room    string
	)
	flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	options.addFlags(flagSet)
	flagSet.StringVar(&room, "room", "", "room to open once connected")
	if done, err := parseFlags(flagSet, args, stdout); done || err != nil {
		return err
	}

	env, err := setup(options)
	if err != nil {
		return err
	}
	defer env.Close()

	signalContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	user, err := env.restore(signalContext)
	if err != nil {
		return err
	}

	manager, err := chat.NewManager(chat.ManagerConfig{
		Session:        env.session,
		URL:            env.config.Realtime.URL,
		Dialer:         &chat.WebSocketDialer{},
		Logger:         env.logger,
		ConnectTimeout: env.config.ConnectTimeout(),
		RequestTimeout: env.config.RequestTimeout(),
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	session := newChatSession(manager, stdout)
	session.throttle = chat.NewTypingThrottle(nil, env.config.TypingInterval())
	session.signedIn = func() bool { return env.session.Snapshot().Authenticated() }
	session.printf("Signed in as %s. Type /help for commands.", user.Username)

	sessionUpdates, cancelSessionUpdates := env.session.Subscribe()
	defer cancelSessionUpdates()
	chatUpdates, cancelChatUpdates := manager.Subscribe()
	defer cancelChatUpdates()

	ctx, cancel := context.WithCancel(signalContext)
	defer cancel()
	lines := readLines(stdin)

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.Follow(groupContext, sessionUpdates)
	})
	group.Go(func() error {
		session.printUpdates(groupContext, chatUpdates, room)
		return nil
	})
	group.Go(func() error {
		return session.keepConnected(groupContext)
	})
	group.Go(func() error {
		defer cancel()
		return session.repl(groupContext, lines)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readLines feeds stdin to a channel that is closed at end of input.
// The scanning goroutine outlives the chat session when stdin stays
// open; the process exits shortly after.
func readLines(input io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// chatSession is the interactive front end over one chat.Manager.
type chatSession struct {
	manager  *chat.Manager
	throttle *chat.TypingThrottle
	location *time.Location
	// signedIn reports whether the auth session is still
	// authenticated; reconnects stop once it is not.
	signedIn func() bool

	reconnect         chan struct{}
	reconnectInterval time.Duration

	outMu sync.Mutex
	out   io.Writer
}

func newChatSession(manager *chat.Manager, out io.Writer) *chatSession {
	return &chatSession{
		manager:           manager,
		throttle:          chat.NewTypingThrottle(nil, 0),
		location:          time.Local,
		signedIn:          func() bool { return true },
		reconnect:         make(chan struct{}, 1),
		reconnectInterval: reconnectInterval,
		out:               out,
	}
}

func (s *chatSession) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *chatSession) repl(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to
// quit.
func (s *chatSession) handle(ctx context.Context, line string) bool {
	name, argument, isCommand := parseCommand(line)
	if !isCommand {
		if argument == "" {
			return false
		}
		s.report(s.manager.SendMessage(ctx, argument, ""))
		return false
	}

	switch name {
	case "quit", "exit":
		return true
	case "help":
		s.printf("%s", chatHelp)
	case "rooms":
		s.printRooms()
	case "join":
		if argument == "" {
			s.printf("! usage: /join <room>")
			return false
		}
		s.report(s.manager.JoinRoom(ctx, argument))
	case "leave":
		if argument == "" {
			argument = s.manager.Snapshot().CurrentRoomID
		}
		if argument == "" {
			s.printf("! no room is open")
			return false
		}
		s.report(s.manager.LeaveRoom(ctx, argument))
	case "dm":
		if argument == "" {
			s.printf("! usage: /dm <user>")
			return false
		}
		_, err := s.manager.StartDirectMessage(ctx, argument)
		s.report(err)
	case "connect":
		if state := s.manager.ConnectionState(); state != chat.Disconnected {
			s.printf("* already %s", state)
			return false
		}
		s.report(s.manager.Connect(ctx))
	case "typing":
		current := s.manager.Snapshot().CurrentRoomID
		if current == "" {
			s.printf("! no room is open")
			return false
		}
		if s.throttle.Allow(current) {
			s.report(s.manager.Typing(current))
		}
	default:
		s.printf("! unknown command /%s (try /help)", name)
	}
	return false
}

func (s *chatSession) report(err error) {
	if message := describeChatError(err); message != "" {
		s.printf("! %s", message)
	}
}

func (s *chatSession) printRooms() {
	rooms := s.manager.Snapshot().SortedRooms()
	if len(rooms) == 0 {
		s.printf("* no rooms")
		return
	}
	for _, room := range rooms {
		line := fmt.Sprintf("  %-24s %s", roomLabel(room), room.ID)
		if room.UnreadCount > 0 {
			line += fmt.Sprintf("  (%d unread)", room.UnreadCount)
		}
		s.printf("%s", line)
	}
}

// requestReconnect asks keepConnected to bring the connection back.
func (s *chatSession) requestReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// keepConnected reopens the connection after it drops while the
// session is still signed in. Each drop gets at most
// maxReconnectAttempts tries, paced at reconnectInterval.
func (s *chatSession) keepConnected(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(s.reconnectInterval), 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reconnect:
		}

		for attempt := 1; ; attempt++ {
			if err := limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			if !s.signedIn() || s.manager.ConnectionState() != chat.Disconnected {
				break
			}
			err := s.manager.Connect(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt == maxReconnectAttempts {
				s.printf("! could not reconnect: %s (use /connect to retry)", describeChatError(err))
				break
			}
		}
	}
}

// printUpdates renders chat updates until ctx is done. When joinRoom
// is set it is opened after the first successful authentication. A
// drop from an authenticated connection triggers a reconnect.
func (s *chatSession) printUpdates(ctx context.Context, updates <-chan chat.Update, joinRoom string) {
	view := newChatView(s)
	for {
		var update chat.Update
		select {
		case <-ctx.Done():
			return
		case received, ok := <-updates:
			if !ok {
				return
			}
			update = received
		}

		previous := view.connection
		if !view.render(update) {
			continue
		}
		switch view.connection {
		case chat.Authenticated:
			if joinRoom != "" {
				room := joinRoom
				joinRoom = ""
				go func() { s.report(s.manager.JoinRoom(ctx, room)) }()
			}
		case chat.Disconnected:
			if previous == chat.Authenticated {
				s.requestReconnect()
			}
		}
	}
}

// chatView prints the difference between successive snapshots. Updates
// may be skipped when the printer falls behind, so messages and unread
// notices are derived from the snapshot rather than from each update.
type chatView struct {
	session    *chatSession
	connection chat.ConnectionState
	roomID     string
	shown      map[string]bool
	unread     map[string]int
}

func newChatView(session *chatSession) *chatView {
	return &chatView{
		session:    session,
		connection: chat.Disconnected,
		shown:      make(map[string]bool),
		unread:     make(map[string]int),
	}
}

// render prints what update changes and reports whether the connection
// state changed.
func (v *chatView) render(update chat.Update) bool {
	s := v.session
	snapshot := update.Snapshot

	connectionChanged := snapshot.Connection != v.connection
	if connectionChanged {
		v.connection = snapshot.Connection
		s.printf("* %s", v.connection)
	}

	if snapshot.CurrentRoomID != v.roomID {
		v.roomID = snapshot.CurrentRoomID
		clear(v.shown)
		if room, ok := snapshot.CurrentRoom(); ok {
			s.printf("* now in %s (%d online)", roomLabel(room), countOnline(snapshot.Presence))
		}
	}
	for _, message := range snapshot.Messages {
		if v.shown[message.ID] {
			continue
		}
		v.shown[message.ID] = true
		s.printf("%s", formatMessage(message, s.location))
	}

	for _, room := range snapshot.SortedRooms() {
		previous, known := v.unread[room.ID]
		v.unread[room.ID] = room.UnreadCount
		if known && room.ID != snapshot.CurrentRoomID && room.UnreadCount > previous {
			s.printf("* new message in %s (%d unread)", roomLabel(room), room.UnreadCount)
		}
	}
	for id := range v.unread {
		if _, ok := snapshot.Rooms[id]; !ok {
			delete(v.unread, id)
		}
	}

	switch update.Kind {
	case chat.UpdatePresence:
		if room, ok := snapshot.CurrentRoom(); ok {
			s.printf("* %d online in %s", countOnline(snapshot.Presence), roomLabel(room))
		}
	case chat.UpdateTyping:
		if update.Typing != nil && update.Typing.RoomID == snapshot.CurrentRoomID {
			if text := formatTyping(*update.Typing); text != "" {
				s.printf("* %s", text)
			}
		}
	}
	return connectionChanged
}

// parseCommand splits "/name argument". A line without the leading
// slash is returned trimmed as the argument with isCommand false.
func parseCommand(line string) (name, argument string, isCommand bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line, false
	}
	name, argument, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(argument), true
}

func formatMessage(message chat.Message, location *time.Location) string {
	return fmt.Sprintf("[%s] %s: %s", message.Timestamp.In(location).Format("15:04"), message.Username, message.Content)
}

func formatTyping(indicator chat.TypingIndicator) string {
	typists := indicator.Typists
	switch len(typists) {
	case 0:
		return ""
	case 1:
		return typists[0].Username + " is typing"
	case 2:
		return typists[0].Username + " and " + typists[1].Username + " are typing"
	default:
		return fmt.Sprintf("%s and %d others are typing", typists[0].Username, len(typists)-1)
	}
}

func roomLabel(room chat.Room) string {
	name := room.Name
	if name == "" {
		name = room.ID
	}
	if room.IsDirect {
		return "@" + name
	}
	return "#" + name
}

func countOnline(presence map[string]chat.Presence) int {
	online := 0
	for _, entry := range presence {
		if entry.Online {
			online++
		}
	}
	return online
}

// describeChatError turns a chat operation error into one line for the
// prompt. A superseded join is not an error worth showing.
func describeChatError(err error) string {
	var rejected *chat.RejectedError
	switch {
	case err == nil, errors.Is(err, chat.ErrSuperseded):
		return ""
	case errors.As(err, &rejected):
		if rejected.Message == "" {
			return "the server refused " + rejected.Event
		}
		return rejected.Message
	case errors.Is(err, chat.ErrNotConnected):
		return "not connected"
	case errors.Is(err, chat.ErrNotAuthenticated):
		return "not signed in (run login first)"
	case errors.Is(err, chat.ErrTimeout):
		return "no answer from the server"
	case errors.Is(err, chat.ErrNoRoom):
		return "no room is open (use /join <room>)"
	case errors.Is(err, chat.ErrEmptyMessage):
		return ""
	default:
		return err.Error()
	}
}
