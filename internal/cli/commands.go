// Package cli implements the interactive chatroom shell.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/config"
	"github.com/chatroom-project/chatroom/internal/db"
	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/protocol"
	"github.com/chatroom-project/chatroom/internal/session"
)

// ChatClient is the client surface driven by the shell.
type ChatClient interface {
	Connect(ctx context.Context, addr string) error
	ServerInfo(ctx context.Context, typ protocol.ServerInfoType) (*protocol.ServerInfoResponse, error)
	JoinServer(ctx context.Context, name, password string) (*protocol.JoinResponse, error)
	ListRooms(ctx context.Context) ([]protocol.Room, error)
	JoinRoom(ctx context.Context, roomID int, password string) (*protocol.JoinRoomResponse, error)
	SendChat(ctx context.Context, msg protocol.ChatMessage) error
	Ping(ctx context.Context) (time.Duration, error)
	Close() error

	State() session.State
	Address() string
	CurrentRoom() (int, bool)
}

// History is the chat log the shell reads from.
type History interface {
	Recent(ctx context.Context, roomID, limit int) ([]db.Entry, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	client   ChatClient
	history  History

	in  io.Reader
	mu  sync.Mutex
	out io.Writer
}

// NewCLI creates a shell reading commands from in and writing to out.
// history may be nil when the chat log is disabled.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, client ChatClient, history History, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		history:  history,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, input ends or the
// user quits.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.subscribe()

	c.println("\nChatroom CLI ready. Type 'help' for available commands.")
	c.println("─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.print("chatroom> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.Execute(ctx, line); quit {
				return
			}
		}
	}
}

// Execute runs one command line. It returns true when the user asked to
// quit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "connect":
		err = c.cmdConnect(ctx, args)
	case "info":
		err = c.cmdInfo(ctx, args)
	case "join":
		err = c.cmdJoin(ctx, args)
	case "rooms":
		err = c.cmdRooms(ctx)
	case "room":
		err = c.cmdRoom(ctx, args)
	case "say":
		err = c.cmdSay(ctx, args)
	case "history":
		err = c.cmdHistory(ctx, args)
	case "ping":
		err = c.cmdPing(ctx)
	case "close":
		err = c.client.Close()
		if err == nil {
			c.println("Connection closed")
		}
	case "set":
		err = c.cmdSet(args)
	case "quit", "exit", "q":
		c.println("Shutting down...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	default:
		c.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}

	if err != nil {
		c.printf("Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	c.println("\n╔══════════════════════════════════════════════════════════════╗")
	c.println("║                    Chatroom CLI Commands                     ║")
	c.println("╠══════════════════════════════════════════════════════════════╣")
	c.println("║  connect [host[:port]]  Connect to a chatroom server         ║")
	c.println("║  info [ping|basic|full] Ask the server to describe itself    ║")
	c.println("║  join [name] [password] Join the server                      ║")
	c.println("║  rooms                  List rooms                           ║")
	c.println("║  room <id> [password]   Enter a room                         ║")
	c.println("║  say <text>             Chat in the current room             ║")
	c.println("║  history [room] [n]     Show stored chat lines               ║")
	c.println("║  ping                   Measure the server round trip        ║")
	c.println("║  status                 Show connection status               ║")
	c.println("║  set <key> <value>      Update a player setting              ║")
	c.println("║  close                  Say goodbye and disconnect           ║")
	c.println("║  quit                   Exit                                 ║")
	c.println("╚══════════════════════════════════════════════════════════════╝")
	c.println("")
}

func (c *CLI) printStatus() {
	room, inRoom := c.client.CurrentRoom()
	roomStr := "-"
	if inRoom {
		roomStr = strconv.Itoa(room)
	}
	addr := c.client.Address()
	if addr == "" {
		addr = "-"
	}

	c.printf("\n  State:    %s\n", c.client.State())
	c.printf("  Server:   %s\n", addr)
	c.printf("  Room:     %s\n\n", roomStr)
}

func (c *CLI) cmdConnect(ctx context.Context, args []string) error {
	srv := c.cfg.GetServer()
	addr := srv.Addr()
	if len(args) > 0 {
		addr = args[0]
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(srv.Port))
		}
	}

	if err := c.client.Connect(ctx, addr); err != nil {
		return err
	}
	c.printf("Connected to %s\n", addr)
	return nil
}

func (c *CLI) cmdInfo(ctx context.Context, args []string) error {
	typ := protocol.ServerInfoFull
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "ping":
			typ = protocol.ServerInfoPing
		case "basic":
			typ = protocol.ServerInfoBasic
		case "full":
		default:
			return fmt.Errorf("usage: info [ping|basic|full]")
		}
	}

	info, err := c.client.ServerInfo(ctx, typ)
	if err != nil {
		return err
	}

	c.printf("\n  Name:       %s\n", info.Name)
	c.printf("  Version:    %s\n", info.Version)
	c.printf("  Players:    %d/%d\n", info.PlayerCount, info.MaxPlayers)
	c.printf("  Protection: %s\n", info.Protection)
	if info.Details != nil {
		c.printf("  About:      %s\n", info.Details.Desc)
		for _, p := range info.Details.Players {
			c.printf("    - %s\n", p.PlayerName)
		}
	}
	c.println("")
	return nil
}

func (c *CLI) cmdJoin(ctx context.Context, args []string) error {
	player := c.cfg.GetPlayer()
	name, password := player.Name, player.Password
	if len(args) > 0 {
		name = args[0]
	}
	if len(args) > 1 {
		password = args[1]
	}
	if name == "" {
		return fmt.Errorf("usage: join <name> [password]")
	}

	if _, err := c.client.JoinServer(ctx, name, password); err != nil {
		return err
	}
	c.printf("Joined as %s\n", name)
	return nil
}

func (c *CLI) cmdRooms(ctx context.Context) error {
	rooms, err := c.client.ListRooms(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Name", "Players", "Locked", "Description"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, r := range rooms {
		locked := ""
		if r.Protected {
			locked = "yes"
		}
		tw.Append([]string{
			strconv.Itoa(r.ID),
			r.Name,
			fmt.Sprintf("%d/%d", r.PlayerCount, r.MaxPlayers),
			locked,
			r.Desc,
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdRoom(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: room <id> [password]")
	}
	roomID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid room id: %s", args[0])
	}
	password := ""
	if len(args) > 1 {
		password = args[1]
	}

	if _, err := c.client.JoinRoom(ctx, roomID, password); err != nil {
		return err
	}
	c.printf("Entered room %d\n", roomID)
	return nil
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: say <text>")
	}
	return c.client.SendChat(ctx, protocol.ChatMessage{Text: strings.Join(args, " ")})
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("chat log is disabled")
	}

	room, ok := c.client.CurrentRoom()
	limit := 20
	if len(args) > 0 {
		r, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid room id: %s", args[0])
		}
		room, ok = r, true
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count: %s", args[1])
		}
		limit = n
	}
	if !ok {
		return fmt.Errorf("usage: history <room> [n]")
	}

	entries, err := c.history.Recent(ctx, room, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		c.println(formatEntry(e))
	}
	return nil
}

func (c *CLI) cmdPing(ctx context.Context) error {
	rtt, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	c.printf("Pong in %s\n", rtt.Round(time.Microsecond))
	return nil
}

func (c *CLI) cmdSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	var typed interface{} = value
	switch key {
	case "master":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		typed = b
	case "auto_join_room":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		typed = n
	}

	if err := c.cfg.UpdatePlayerField(key, typed); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	log.Info().Str("key", key).Msg("CLI: player config updated")
	c.printf("Config updated: %s\n", key)
	return nil
}

// subscribe prints server activity as it arrives.
func (c *CLI) subscribe() {
	c.eventBus.Subscribe(events.EventNotification, "cli", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.NotificationPayload)
		if !ok {
			return nil
		}
		if line := formatPacket(p.Packet); line != "" {
			c.println("\n" + line)
		}
		return nil
	})
	c.eventBus.Subscribe(events.EventDisconnected, "cli", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.DisconnectedPayload)
		if !ok || p.Cause == nil {
			return nil
		}
		c.printf("\n*** disconnected from %s: %v\n", p.Address, p.Cause)
		return nil
	})
}

// formatPacket renders packets worth showing to the user; others yield "".
func formatPacket(p protocol.Packet) string {
	switch pkt := p.(type) {
	case protocol.ChatMessage:
		if pkt.Emote != "" {
			return fmt.Sprintf("[room %d] (%s) %s", pkt.RoomID, pkt.Emote, pkt.Text)
		}
		return fmt.Sprintf("[room %d] %s", pkt.RoomID, pkt.Text)
	case protocol.ChatOOC:
		return fmt.Sprintf("[ooc] player %d: %s", pkt.PlayerID, pkt.Msg)
	case protocol.PlayerJoined:
		return fmt.Sprintf("*** %s joined", pkt.PlayerName)
	case protocol.PlayerLeft:
		return fmt.Sprintf("*** player %d left", pkt.PlayerID)
	case protocol.Disconnect:
		return "*** the server is disconnecting you"
	default:
		return ""
	}
}

func formatEntry(e db.Entry) string {
	who := e.Speaker
	if who == "" {
		who = "?"
	}
	if e.Outgoing {
		who += " (you)"
	}
	return fmt.Sprintf("%s [%s] %s: %s", e.At.Format("15:04:05"), e.Kind, who, e.Text)
}

func (c *CLI) print(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *CLI) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *CLI) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
