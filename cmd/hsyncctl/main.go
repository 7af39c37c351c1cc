package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matheus3301/hsync/internal/api"
	"github.com/matheus3301/hsync/internal/client"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "conversations":
		cmdConversations(ctx, c, out)
	case "open":
		need(args, 2, "open <conversation-id|peer:ID>")
		reply, err := c.OpenThread(ctx, parseRef(args[1]))
		check(err)
		out.thread(reply)
	case "close":
		check(c.CloseThread(ctx))
	case "thread":
		key := ""
		if len(args) > 1 {
			key = args[1]
		}
		reply, err := c.Thread(ctx, key)
		check(err)
		out.thread(reply)
	case "send":
		need(args, 3, "send <conversation-id|peer:ID> <text>")
		reply, err := c.Send(ctx, api.SendRequest{
			ConversationRef: parseRef(args[1]),
			Content:         strings.Join(args[2:], " "),
			Kind:            model.KindText,
		})
		check(err)
		out.message(reply)
	case "retry":
		need(args, 2, "retry <temp-id>")
		reply, err := c.Retry(ctx, args[1])
		check(err)
		out.message(reply)
	case "call":
		need(args, 2, "call <place|accept|reject|end>")
		cmdCall(ctx, c, args[1:], out)
	case "calls":
		cmdCalls(ctx, c, args[1:], out)
	case "search":
		need(args, 2, "search <query>")
		reply, err := c.Search(ctx, api.SearchRequest{Query: strings.Join(args[1:], " ")})
		check(err)
		out.search(reply)
	case "login":
		need(args, 2, "login <token> [user-id]")
		req := api.LoginRequest{Token: args[1]}
		if len(args) > 2 {
			req.UserID = args[2]
		}
		reply, err := c.Login(ctx, req)
		check(err)
		out.state(reply)
	case "suspend":
		reply, err := c.Suspend(ctx)
		check(err)
		out.state(reply)
	case "resume":
		reply, err := c.Resume(ctx)
		check(err)
		out.state(reply)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: hsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show engine status")
	fmt.Fprintln(os.Stderr, "  conversations                 List conversations")
	fmt.Fprintln(os.Stderr, "  open <id|peer:ID>             Open and poll a thread")
	fmt.Fprintln(os.Stderr, "  close                         Stop polling the open thread")
	fmt.Fprintln(os.Stderr, "  thread [key]                  Show a thread (default: open thread)")
	fmt.Fprintln(os.Stderr, "  send <id|peer:ID> <text>      Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <temp-id>               Resend a failed message")
	fmt.Fprintln(os.Stderr, "  call place <peer> [video]     Start a call")
	fmt.Fprintln(os.Stderr, "  call accept|reject|end        Act on the current call")
	fmt.Fprintln(os.Stderr, "  calls [limit]                 Show the call log")
	fmt.Fprintln(os.Stderr, "  search <query>                Search cached messages")
	fmt.Fprintln(os.Stderr, "  login <token> [user-id]       Install a session token")
	fmt.Fprintln(os.Stderr, "  suspend | resume              Pause or restart polling")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                Stream engine events")
}

func cmdStatus(ctx context.Context, c *client.Client, out printer) {
	st, err := c.Status(ctx)
	check(err)
	if out.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile: %s\n", st.Profile)
	fmt.Printf("State:   %s (since %s)\n", st.State, humanize.Time(st.Since))
	fmt.Printf("Uptime:  %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
	fmt.Printf("Tasks:   %s\n", strings.Join(st.Tasks, ", "))
	fmt.Printf("Unread:  %d\n", st.TotalUnread)
	if st.Failed > 0 {
		fmt.Printf("Failed:  %d message(s), see `hsyncctl retry`\n", st.Failed)
	}
	if st.ActiveThread != nil {
		fmt.Printf("Thread:  %s\n", st.ActiveThread.ThreadKey())
	}
	if st.Call != nil {
		fmt.Printf("Call:    %s %s with %s\n", st.Call.State, st.Call.Direction, peerLabel(st.Call.Peer, st.Call.PeerName))
	}
}

func cmdConversations(ctx context.Context, c *client.Client, out printer) {
	reply, err := c.Conversations(ctx)
	check(err)
	if out.json {
		outputJSON(reply)
		return
	}
	if len(reply.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range reply.Conversations {
		fmt.Printf("%-24s %-20s %3d  %-14s %s\n",
			conv.ThreadKey(), peerLabel(conv.PeerID, conv.PeerName), conv.UnreadCount,
			relative(conv.LastMessageAt), truncate(conv.LastMessagePreview, 40))
	}
	fmt.Printf("\n%s unread\n", humanize.Comma(int64(reply.TotalUnread)))
}

func cmdCall(ctx context.Context, c *client.Client, args []string, out printer) {
	var (
		reply *api.CallReply
		err   error
	)
	switch args[0] {
	case "place":
		need(args, 2, "call place <peer-id> [video]")
		req := api.PlaceCallRequest{PeerID: args[1], Kind: model.CallAudio}
		if len(args) > 2 && args[2] == "video" {
			req.Kind = model.CallVideo
		}
		reply, err = c.PlaceCall(ctx, req)
	case "accept":
		reply, err = c.Accept(ctx)
	case "reject":
		reply, err = c.Reject(ctx)
	case "end":
		reply, err = c.Hangup(ctx)
	default:
		fatalf("unknown call subcommand: %s", args[0])
	}
	check(err)
	if out.json {
		outputJSON(reply)
		return
	}
	if s := reply.Session; s != nil {
		fmt.Printf("%s %s call with %s: %s", s.Direction, s.Kind, peerLabel(s.Peer, s.PeerName), s.State)
		if s.Reason != "" {
			fmt.Printf(" (%s)", s.Reason)
		}
		fmt.Println()
	}
	if reply.SignalError != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", reply.SignalError)
	}
}

func cmdCalls(ctx context.Context, c *client.Client, args []string, out printer) {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fatalf("invalid limit %q", args[0])
		}
		limit = n
	}
	reply, err := c.Calls(ctx, limit)
	check(err)
	if out.json {
		outputJSON(reply)
		return
	}
	if len(reply.Calls) == 0 {
		fmt.Println("No calls.")
		return
	}
	for _, r := range reply.Calls {
		dur := "-"
		if r.DurationMs > 0 {
			dur = (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Second).String()
		}
		fmt.Printf("%-14s %-8s %-5s %-20s %-14s %s\n",
			relative(r.StartedAt), r.Direction, r.Kind, peerLabel(r.PeerID, r.PeerName), r.Reason, dur)
	}
}

func cmdWatch(c *client.Client, args []string, jsonOut bool) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, prefix, func(env api.EventEnvelope) error {
		if jsonOut {
			outputJSON(env)
			return nil
		}
		at := time.UnixMilli(env.OccurredAtUnixMs).Format("15:04:05.000")
		fmt.Printf("%s %-24s %s\n", at, env.Kind, env.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

type printer struct {
	json bool
}

func (p printer) thread(reply *api.ThreadReply) {
	if p.json {
		outputJSON(reply)
		return
	}
	if len(reply.Messages) == 0 {
		fmt.Printf("%s: no messages\n", reply.ThreadKey)
		return
	}
	for _, m := range reply.Messages {
		fmt.Printf("%-14s %-12s %s%s\n", relative(m.CreatedAt), m.SenderID, m.Content, messageFlag(m))
	}
}

func (p printer) message(reply *api.MessageReply) {
	if p.json {
		outputJSON(reply)
		return
	}
	if reply.Error != "" {
		fmt.Fprintf(os.Stderr, "send failed: %s\n", reply.Error)
		fmt.Printf("Kept as %s; use `hsyncctl retry %s`\n", reply.Message.ID, reply.Message.ID)
		os.Exit(1)
	}
	fmt.Printf("Queued %s\n", reply.Message.ID)
}

func (p printer) search(reply *api.SearchReply) {
	if p.json {
		outputJSON(reply)
		return
	}
	if len(reply.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range reply.Results {
		fmt.Printf("%-24s %-14s %s\n", r.ThreadKey, relative(r.Message.CreatedAt), r.Snippet)
	}
}

func (p printer) state(reply *api.StateReply) {
	if p.json {
		outputJSON(reply)
		return
	}
	fmt.Printf("State: %s\n", reply.State)
}

// parseRef reads "peer:ID" as a peer reference and anything else as a
// conversation id.
func parseRef(s string) api.ConversationRef {
	if peer, ok := strings.CutPrefix(s, "peer:"); ok {
		return api.ConversationRef{PeerID: peer}
	}
	return api.ConversationRef{ConversationID: s}
}

func messageFlag(m model.Message) string {
	switch {
	case m.Failed:
		return "  [failed " + m.ID + "]"
	case m.Pending:
		return "  [sending]"
	}
	return ""
}

func peerLabel(id, name string) string {
	if name != "" {
		return name
	}
	return id
}

func relative(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: hsyncctl %s", usage)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
