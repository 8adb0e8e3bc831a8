// Package repl implements the interactive command loop on stdin.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/lsnp/internal/game"
	"github.com/petervdpas/lsnp/internal/node"
)

// REPL reads commands from in and drives the node. Outbound operations that
// wait for an ACK block this loop for up to the retry budget.
type REPL struct {
	node *node.Node
	in   io.Reader
	out  io.Writer
}

func New(n *node.Node) *REPL {
	return &REPL{node: n, in: os.Stdin, out: os.Stdout}
}

// Run processes commands until quit or EOF.
func (r *REPL) Run() error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	r.printf("LSNP peer %s. Type 'help' for commands.\n", r.node.SelfID())
	for {
		r.printf("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		r.dispatch(line)
	}
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) dispatch(line string) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		r.help()
	case "peers":
		r.peers()
	case "dms":
		r.dms()
	case "dm":
		r.dm(line)
	case "follow":
		r.follow(args)
	case "unfollow":
		r.unfollow(args)
	case "following":
		for _, uid := range r.node.Following() {
			r.printf("%s\n", uid)
		}
	case "followers":
		for _, uid := range r.node.Followers() {
			r.printf("%s\n", uid)
		}
	case "post":
		r.post(line)
	case "like":
		r.like(args)
	case "ttl":
		r.ttl(args)
	case "sendfile":
		r.sendfile(line)
	case "acceptfile":
		r.acceptfile(args)
	case "rejectfile":
		r.rejectfile(args)
	case "pendingfiles":
		r.pendingfiles()
	case "transfers":
		r.transfers()
	case "broadcast":
		if err := r.node.BroadcastProfile(); err != nil {
			r.printf("broadcast failed: %v\n", err)
		} else {
			r.printf("profile broadcast sent\n")
		}
	case "ping":
		if err := r.node.Ping(); err != nil {
			r.printf("ping failed: %v\n", err)
		} else {
			r.printf("ping sent\n")
		}
	case "verbose":
		v := !r.node.Verbose()
		r.node.SetVerbose(v)
		r.printf("verbose %v\n", v)
	case "ipstats":
		r.ipstats()
	case "revoke":
		r.revoke(args)
	case "group":
		r.group(line, args)
	case "game":
		r.game(line, args)
	default:
		r.printf("unknown command %q; try 'help'\n", cmd)
	}
}

func (r *REPL) help() {
	r.printf(`commands:
  peers                              list known peers
  dms                                show the inbox
  dm <user> <message>                send a direct message
  follow <user> | unfollow <user>    manage subscriptions
  following | followers              show the subscription sets
  post <message>                     post to all followers
  like <user> <post_timestamp>       toggle a like on a peer's post
  ttl <seconds>                      set the post token TTL
  sendfile <user> <path> [desc]      offer a file
  acceptfile <fileid>                accept a pending offer
  rejectfile <fileid>                reject a pending offer
  pendingfiles | transfers           show transfer state
  broadcast                          re-broadcast the profile now
  ping                               broadcast a presence probe
  verbose                            toggle debug logging
  ipstats                            per-IP datagram statistics
  revoke <token>                     revoke a token
  group list
  group create <name> <user> [user...]
  group add <groupid> <user> [user...]
  group remove <groupid> <user> [user...]
  group message <groupid> <message>
  game list
  game invite <user> <X|O>
  game move <gameid> <0-8>
  game forfeit <gameid>
  quit
`)
}

func (r *REPL) peers() {
	records := r.node.Peers()
	if len(records) == 0 {
		r.printf("no peers discovered yet\n")
		return
	}
	for _, rec := range records {
		avatar := ""
		if len(rec.Avatar) > 0 {
			avatar = fmt.Sprintf(" [avatar %s, %d bytes]", rec.AvatarMIME, len(rec.Avatar))
		}
		r.printf("%-32s %-20s last seen %s%s\n",
			rec.UserID, rec.DisplayName, rec.LastSeen.Format("15:04:05"), avatar)
	}
}

func (r *REPL) dms() {
	entries, err := r.node.Inbox(0)
	if err != nil {
		r.printf("inbox: %v\n", err)
		return
	}
	if len(entries) == 0 {
		r.printf("inbox is empty\n")
		return
	}
	for _, e := range entries {
		r.printf("%s\n", e)
	}
}

func (r *REPL) dm(line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		r.printf("usage: dm <user> <message>\n")
		return
	}
	if err := r.node.SendDM(parts[1], parts[2]); err != nil {
		r.printf("dm failed: %v\n", err)
		return
	}
	r.printf("delivered\n")
}

func (r *REPL) follow(args []string) {
	if len(args) != 1 {
		r.printf("usage: follow <user>\n")
		return
	}
	if err := r.node.Follow(args[0]); err != nil {
		r.printf("follow failed: %v\n", err)
		return
	}
	r.printf("now following %s\n", args[0])
}

func (r *REPL) unfollow(args []string) {
	if len(args) != 1 {
		r.printf("usage: unfollow <user>\n")
		return
	}
	if err := r.node.Unfollow(args[0]); err != nil {
		r.printf("unfollow failed: %v\n", err)
		return
	}
	r.printf("unfollowed %s\n", args[0])
}

func (r *REPL) post(line string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) < 2 {
		r.printf("usage: post <message>\n")
		return
	}
	acked, total := r.node.SendPost(parts[1])
	if total == 0 {
		r.printf("no followers to post to\n")
		return
	}
	r.printf("post delivered to %d/%d followers\n", acked, total)
}

func (r *REPL) like(args []string) {
	if len(args) != 2 {
		r.printf("usage: like <user> <post_timestamp>\n")
		return
	}
	action, err := r.node.ToggleLike(args[0], args[1])
	if err != nil {
		r.printf("like failed: %v\n", err)
		return
	}
	r.printf("%s acknowledged\n", strings.ToLower(action))
}

func (r *REPL) ttl(args []string) {
	if len(args) != 1 {
		r.printf("usage: ttl <seconds>\n")
		return
	}
	secs, err := strconv.Atoi(args[0])
	if err != nil || secs <= 0 {
		r.printf("ttl must be a positive number of seconds\n")
		return
	}
	r.node.SetPostTTL(time.Duration(secs) * time.Second)
	r.printf("post token ttl set to %ds\n", secs)
}

func (r *REPL) sendfile(line string) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 {
		r.printf("usage: sendfile <user> <path> [description]\n")
		return
	}
	desc := ""
	if len(parts) == 4 {
		desc = parts[3]
	}
	r.printf("offering file, waiting for the peer to respond...\n")
	fileID, err := r.node.OfferFile(parts[1], parts[2], desc)
	if err != nil {
		r.printf("sendfile failed: %v\n", err)
		return
	}
	r.printf("offer %s accepted, sending chunks\n", fileID)
}

func (r *REPL) acceptfile(args []string) {
	if len(args) != 1 {
		r.printf("usage: acceptfile <fileid>\n")
		return
	}
	if err := r.node.AcceptFile(args[0]); err != nil {
		r.printf("acceptfile failed: %v\n", err)
		return
	}
	r.printf("accepted %s\n", args[0])
}

func (r *REPL) rejectfile(args []string) {
	if len(args) != 1 {
		r.printf("usage: rejectfile <fileid>\n")
		return
	}
	if err := r.node.RejectFile(args[0]); err != nil {
		r.printf("rejectfile failed: %v\n", err)
		return
	}
	r.printf("rejected %s\n", args[0])
}

func (r *REPL) pendingfiles() {
	offers := r.node.PendingFiles()
	if len(offers) == 0 {
		r.printf("no pending offers\n")
		return
	}
	for _, t := range offers {
		r.printf("%s  %q (%d bytes, %s) from %s\n",
			t.FileID, t.Filename, t.Size, t.MIME, t.Remote)
	}
}

func (r *REPL) transfers() {
	transfers := r.node.Transfers()
	if len(transfers) == 0 {
		r.printf("no transfers\n")
		return
	}
	for _, t := range transfers {
		progress := ""
		if t.Size > 0 {
			progress = fmt.Sprintf(" %d/%d bytes (%d/%d chunks)",
				t.ReceivedBytes, t.Size, t.ChunksReceived, t.TotalChunks)
		}
		r.printf("%s  %-8s %-11s %q with %s%s\n",
			t.FileID, t.Direction, t.Status, t.Filename, t.Remote, progress)
	}
}

func (r *REPL) ipstats() {
	stats := r.node.IPStats()
	if len(stats) == 0 {
		r.printf("no traffic observed\n")
		return
	}
	for _, s := range stats {
		blocked := ""
		if s.Blocked {
			blocked = " BLOCKED"
		}
		r.printf("%-15s %-32s %d datagrams%s\n", s.IP, s.UserID, s.Attempts, blocked)
	}
}

func (r *REPL) revoke(args []string) {
	if len(args) != 1 {
		r.printf("usage: revoke <token>\n")
		return
	}
	if err := r.node.RevokeToken(args[0]); err != nil {
		r.printf("revoke failed: %v\n", err)
		return
	}
	r.printf("token revoked\n")
}

func (r *REPL) group(line string, args []string) {
	if len(args) == 0 {
		r.printf("usage: group {list|create|add|remove|message} ...\n")
		return
	}
	switch args[0] {
	case "list":
		gs := r.node.Groups()
		if len(gs) == 0 {
			r.printf("no groups\n")
			return
		}
		for _, g := range gs {
			r.printf("%s  %q owned by %s: %s\n", g.ID, g.Name, g.Owner, strings.Join(g.Members, ", "))
		}
	case "create":
		if len(args) < 3 {
			r.printf("usage: group create <name> <user> [user...]\n")
			return
		}
		id, err := r.node.GroupCreate(args[1], args[2:])
		if err != nil {
			r.printf("group create failed: %v\n", err)
			return
		}
		r.printf("group %s created\n", id)
	case "add":
		if len(args) < 3 {
			r.printf("usage: group add <groupid> <user> [user...]\n")
			return
		}
		if err := r.node.GroupAdd(args[1], args[2:]); err != nil {
			r.printf("group add failed: %v\n", err)
			return
		}
		r.printf("members added\n")
	case "remove":
		if len(args) < 3 {
			r.printf("usage: group remove <groupid> <user> [user...]\n")
			return
		}
		if err := r.node.GroupRemove(args[1], args[2:]); err != nil {
			r.printf("group remove failed: %v\n", err)
			return
		}
		r.printf("members removed\n")
	case "message":
		parts := strings.SplitN(line, " ", 4)
		if len(parts) < 4 {
			r.printf("usage: group message <groupid> <message>\n")
			return
		}
		acked, total, err := r.node.GroupMessage(parts[2], parts[3])
		if err != nil {
			r.printf("group message failed: %v\n", err)
			return
		}
		r.printf("delivered to %d/%d members\n", acked, total)
	default:
		r.printf("unknown group subcommand %q\n", args[0])
	}
}

func (r *REPL) game(_ string, args []string) {
	if len(args) == 0 {
		r.printf("usage: game {list|invite|move|forfeit} ...\n")
		return
	}
	switch args[0] {
	case "list":
		games := r.node.Games()
		if len(games) == 0 {
			r.printf("no games\n")
			return
		}
		for _, g := range games {
			state := "finished"
			if g.Active {
				state = "active"
			}
			r.printf("%s  vs %s, you play %c, turn %d (%s)\n%s",
				g.ID, g.Opponent, g.Symbol, g.Turn, state, game.Render(g.Board))
		}
	case "invite":
		if len(args) != 3 || (args[2] != "X" && args[2] != "O") {
			r.printf("usage: game invite <user> <X|O>\n")
			return
		}
		id, err := r.node.GameInvite(args[1], args[2][0])
		if err != nil {
			r.printf("game invite failed: %v\n", err)
			return
		}
		r.printf("game %s started\n", id)
	case "move":
		if len(args) != 3 {
			r.printf("usage: game move <gameid> <0-8>\n")
			return
		}
		pos, err := strconv.Atoi(args[2])
		if err != nil {
			r.printf("position must be 0-8\n")
			return
		}
		if err := r.node.GameMove(args[1], pos); err != nil {
			r.printf("game move failed: %v\n", err)
			return
		}
		if g, ok := r.findGame(args[1]); ok {
			r.printf("%s", game.Render(g.Board))
		}
	case "forfeit":
		if len(args) != 2 {
			r.printf("usage: game forfeit <gameid>\n")
			return
		}
		if err := r.node.GameForfeit(args[1]); err != nil {
			r.printf("game forfeit failed: %v\n", err)
			return
		}
		r.printf("game %s forfeited\n", args[1])
	default:
		r.printf("unknown game subcommand %q\n", args[0])
	}
}

func (r *REPL) findGame(id string) (game.Game, bool) {
	for _, g := range r.node.Games() {
		if g.ID == id {
			return g, true
		}
	}
	return game.Game{}, false
}
