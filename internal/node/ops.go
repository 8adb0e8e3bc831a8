package node

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/petervdpas/lsnp/internal/filetransfer"
	"github.com/petervdpas/lsnp/internal/game"
	"github.com/petervdpas/lsnp/internal/groups"
	"github.com/petervdpas/lsnp/internal/peers"
	"github.com/petervdpas/lsnp/internal/reliability"
	"github.com/petervdpas/lsnp/internal/social"
	"github.com/petervdpas/lsnp/internal/token"
	"github.com/petervdpas/lsnp/internal/wire"
)

func nowStamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// BroadcastProfile announces the local profile, with the avatar piggybacked
// when one is configured, to the subnet broadcast address.
func (n *Node) BroadcastProfile() error {
	f := wire.New(wire.TypeProfile).
		Set(wire.FieldUserID, n.selfID).
		Set(wire.FieldDisplayName, n.displayName).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldMessageID, uuid.NewString())

	n.mu.Lock()
	avatar, mime := n.avatar, n.avatarMIME
	n.mu.Unlock()
	if len(avatar) > 0 {
		f.Set(wire.FieldAvatarType, mime).
			Set(wire.FieldAvatarEnc, "base64").
			Set(wire.FieldAvatarData, base64.StdEncoding.EncodeToString(avatar))
	}
	return n.udp.Broadcast(f.Marshal())
}

// Ping broadcasts a presence probe.
func (n *Node) Ping() error {
	f := wire.New(wire.TypePing).Set(wire.FieldUserID, n.selfID)
	return n.udp.Broadcast(f.Marshal())
}

// SendDM sends a direct message with ACK-retry, blocking the caller for up
// to the retry budget.
func (n *Node) SendDM(name, content string) error {
	rec, err := n.peers.Resolve(name)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	f := wire.New(wire.TypeDM).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, rec.UserID).
		Set(wire.FieldContent, content).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeChat, token.DefaultTTL))
	data := f.Marshal()
	return n.acks.SendWithRetry(id, func() error {
		return n.udp.Send(data, rec.IP, rec.Port)
	})
}

// Follow subscribes to a peer's posts. The local following set is updated
// only after the peer acknowledges.
func (n *Node) Follow(name string) error {
	rec, err := n.peers.Resolve(name)
	if err != nil {
		return err
	}
	if rec.UserID == n.selfID {
		return social.ErrSelfTarget
	}
	if n.social.IsFollowing(rec.UserID) {
		return social.ErrAlreadyFollowing
	}
	if err := n.sendSocial(wire.TypeFollow, token.ScopeFollow, rec); err != nil {
		return err
	}
	return n.social.Follow(rec.UserID)
}

// Unfollow cancels a subscription, mirroring Follow.
func (n *Node) Unfollow(name string) error {
	rec, err := n.peers.Resolve(name)
	if err != nil {
		return err
	}
	if rec.UserID == n.selfID {
		return social.ErrSelfTarget
	}
	if !n.social.IsFollowing(rec.UserID) {
		return social.ErrNotFollowing
	}
	if err := n.sendSocial(wire.TypeUnfollow, token.ScopeUnfollow, rec); err != nil {
		return err
	}
	return n.social.Unfollow(rec.UserID)
}

func (n *Node) sendSocial(typ, scope string, rec peers.Record) error {
	id := uuid.NewString()
	f := wire.New(typ).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, rec.UserID).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, scope, token.DefaultTTL))
	data := f.Marshal()
	return n.acks.SendWithRetry(id, func() error {
		return n.udp.Send(data, rec.IP, rec.Port)
	})
}

// SendPost unicasts the post to every follower with independent message IDs
// and one batched retry window, and reports acknowledged/attempted counts.
func (n *Node) SendPost(content string) (acked, total int) {
	ttl := n.PostTTL()
	ts := nowStamp()
	frames := make(map[string][]byte)
	dests := make(map[string]peers.Record)
	var ids []string

	for _, uid := range n.social.Followers() {
		rec, ok := n.peers.Get(uid)
		if !ok {
			log.Debugf("skip post to unknown follower %s", uid)
			continue
		}
		id := uuid.NewString()
		f := wire.New(wire.TypePost).
			Set(wire.FieldUserID, n.selfID).
			Set(wire.FieldContent, content).
			Set(wire.FieldTTL, strconv.Itoa(int(ttl.Seconds()))).
			Set(wire.FieldMessageID, id).
			Set(wire.FieldTimestamp, ts).
			Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopePost, ttl))
		frames[id] = f.Marshal()
		dests[id] = rec
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, 0
	}
	acked = n.acks.SendBatch(ids, func(id string) error {
		rec := dests[id]
		return n.udp.Send(frames[id], rec.IP, rec.Port)
	})
	return acked, len(ids)
}

// ToggleLike flips like-set membership for a post, emitting LIKE or UNLIKE
// depending on the current state. Returns the action taken.
func (n *Node) ToggleLike(owner, postTimestamp string) (string, error) {
	rec, err := n.peers.Resolve(owner)
	if err != nil {
		return "", err
	}
	postID := rec.UserID + "/" + postTimestamp

	action := "LIKE"
	liked := n.social.Liked(postID)
	if liked {
		action = "UNLIKE"
	}

	id := uuid.NewString()
	f := wire.New(wire.TypeLike).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, rec.UserID).
		Set(wire.FieldPostTimestamp, postTimestamp).
		Set(wire.FieldAction, action).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeLike, token.DefaultTTL))
	data := f.Marshal()
	err = n.acks.SendWithRetry(id, func() error {
		return n.udp.Send(data, rec.IP, rec.Port)
	})
	if err != nil {
		return "", err
	}
	n.social.SetLiked(postID, !liked)
	return action, nil
}

// OfferFile offers a file to a peer and blocks on the response waiter for up
// to 60 s. On acceptance the chunks are sent from a dedicated goroutine with
// inter-chunk pacing.
func (n *Node) OfferFile(name, path, description string) (string, error) {
	rec, err := n.peers.Resolve(name)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(n.cfg.Paths.FilesDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	// A zero-chunk transfer could never complete on the receiving side.
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s", filetransfer.ErrEmptyFile, path)
	}

	fileID := xid.New().String()
	filename := filepath.Base(path)
	filetype := mime.TypeByExtension(filepath.Ext(path))
	if filetype == "" {
		filetype = "application/octet-stream"
	}
	n.files.TrackOutgoing(fileID, rec.UserID, filename, filetype, description, int64(len(data)))

	offer := wire.New(wire.TypeFileOffer).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, rec.UserID).
		Set(wire.FieldFilename, filename).
		Set(wire.FieldFilesize, strconv.Itoa(len(data))).
		Set(wire.FieldFiletype, filetype).
		Set(wire.FieldFileID, fileID).
		Set(wire.FieldDescription, description).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeFile, token.DefaultTTL))
	payload := offer.Marshal()

	err = n.offers.AwaitResponse(fileID, reliability.ResponseTimeout, func() error {
		return n.udp.Send(payload, rec.IP, rec.Port)
	})
	if err != nil {
		// A verdict may have raced in just as the waiter gave up; take it
		// so the table does not leak the entry.
		n.takeOfferVerdict(fileID)
		_ = n.files.Transition(fileID, filetransfer.Cancelled)
		return fileID, fmt.Errorf("offer %s: %w", fileID, err)
	}
	if n.takeOfferVerdict(fileID) != "accepted" {
		_ = n.files.Transition(fileID, filetransfer.Cancelled)
		return fileID, fmt.Errorf("offer %s: peer rejected", fileID)
	}

	_ = n.files.Transition(fileID, filetransfer.InProgress)
	n.wg.Add(1)
	go n.sendChunks(fileID, rec, data)
	return fileID, nil
}

func (n *Node) sendChunks(fileID string, rec peers.Record, data []byte) {
	defer n.wg.Done()
	total := filetransfer.TotalChunks(int64(len(data)), filetransfer.ChunkSize)
	tok := n.tokens.Issue(n.selfID, token.ScopeFile, token.DefaultTTL)

	for i := 0; i < total; i++ {
		part := filetransfer.Chunk(data, i, filetransfer.ChunkSize)
		f := wire.New(wire.TypeFileChunk).
			Set(wire.FieldFrom, n.selfID).
			Set(wire.FieldTo, rec.UserID).
			Set(wire.FieldFileID, fileID).
			Set(wire.FieldChunkIndex, strconv.Itoa(i)).
			Set(wire.FieldTotalChunks, strconv.Itoa(total)).
			Set(wire.FieldChunkSize, strconv.Itoa(len(part))).
			Set(wire.FieldToken, tok).
			Set(wire.FieldData, base64.StdEncoding.EncodeToString(part))
		if err := n.udp.Send(f.Marshal(), rec.IP, rec.Port); err != nil {
			log.Warnf("chunk %d of %s: %v", i, fileID, err)
			_ = n.files.Transition(fileID, filetransfer.Failed)
			return
		}
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(filetransfer.PacingDelay):
		}
	}
	log.Infof("sent %d chunks of %s to %s", total, fileID, rec.UserID)
}

// AcceptFile accepts a pending inbound offer and tells the sender to start
// chunking.
func (n *Node) AcceptFile(fileID string) error {
	t, err := n.files.Accept(fileID)
	if err != nil {
		return err
	}
	return n.sendFileResponse(wire.TypeFileAccept, t.Remote, fileID)
}

// RejectFile declines a pending inbound offer.
func (n *Node) RejectFile(fileID string) error {
	t, err := n.files.Reject(fileID)
	if err != nil {
		return err
	}
	return n.sendFileResponse(wire.TypeFileReject, t.Remote, fileID)
}

func (n *Node) sendFileResponse(typ, remote, fileID string) error {
	ip, port := n.peerAddr(remote)
	f := wire.New(typ).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, remote).
		Set(wire.FieldFileID, fileID).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeFile, token.DefaultTTL)).
		Set(wire.FieldTimestamp, nowStamp())
	return n.udp.Send(f.Marshal(), ip, port)
}

// GroupCreate establishes a group owned by the local user and notifies every
// member. Returns the new group ID.
func (n *Node) GroupCreate(name string, memberNames []string) (string, error) {
	members := []string{n.selfID}
	for _, m := range memberNames {
		rec, err := n.peers.Resolve(m)
		if err != nil {
			return "", err
		}
		if rec.UserID != n.selfID {
			members = append(members, rec.UserID)
		}
	}

	id := xid.New().String()
	g := n.groups.Put(id, name, n.selfID, members)
	csv := groups.JoinMembers(g.Members)
	tok := n.tokens.Issue(n.selfID, token.ScopeGroup, token.DefaultTTL)
	for _, uid := range g.Members {
		if uid == n.selfID {
			continue
		}
		f := wire.New(wire.TypeGroupCreate).
			Set(wire.FieldFrom, n.selfID).
			Set(wire.FieldGroupID, id).
			Set(wire.FieldGroupName, name).
			Set(wire.FieldMembers, csv).
			Set(wire.FieldTimestamp, nowStamp()).
			Set(wire.FieldToken, tok)
		ip, port := n.peerAddr(uid)
		if err := n.udp.Send(f.Marshal(), ip, port); err != nil {
			log.Warnf("group create to %s: %v", uid, err)
		}
	}
	return id, nil
}

// GroupAdd extends an owned group's member list and distributes the updated
// list to every current and added member.
func (n *Node) GroupAdd(groupID string, names []string) error {
	g, ok := n.groups.Get(groupID)
	if !ok {
		return fmt.Errorf("%w: %s", groups.ErrUnknownGroup, groupID)
	}
	if g.Owner != n.selfID {
		return groups.ErrNotOwner
	}

	var added []string
	members := append([]string(nil), g.Members...)
	for _, name := range names {
		rec, err := n.peers.Resolve(name)
		if err != nil {
			return err
		}
		if g.HasMember(rec.UserID) {
			continue
		}
		added = append(added, rec.UserID)
		members = append(members, rec.UserID)
	}
	if len(added) == 0 {
		return nil
	}

	g = n.groups.Put(groupID, g.Name, n.selfID, members)
	csv := groups.JoinMembers(g.Members)
	tok := n.tokens.Issue(n.selfID, token.ScopeGroup, token.DefaultTTL)
	for _, uid := range g.Members {
		if uid == n.selfID {
			continue
		}
		f := wire.New(wire.TypeGroupAdd).
			Set(wire.FieldFrom, n.selfID).
			Set(wire.FieldGroupID, groupID).
			Set(wire.FieldGroupName, g.Name).
			Set(wire.FieldAdd, groups.JoinMembers(added)).
			Set(wire.FieldMembers, csv).
			Set(wire.FieldTimestamp, nowStamp()).
			Set(wire.FieldToken, tok)
		ip, port := n.peerAddr(uid)
		if err := n.udp.Send(f.Marshal(), ip, port); err != nil {
			log.Warnf("group add to %s: %v", uid, err)
		}
	}
	return nil
}

// GroupRemove expels members from an owned group, notifying the removed and
// the remaining members.
func (n *Node) GroupRemove(groupID string, names []string) error {
	g, ok := n.groups.Get(groupID)
	if !ok {
		return fmt.Errorf("%w: %s", groups.ErrUnknownGroup, groupID)
	}
	if g.Owner != n.selfID {
		return groups.ErrNotOwner
	}

	var removed []string
	for _, name := range names {
		rec, err := n.peers.Resolve(name)
		if err != nil {
			return err
		}
		if rec.UserID == n.selfID {
			return fmt.Errorf("groups: the owner cannot remove itself from %s", groupID)
		}
		if g.HasMember(rec.UserID) {
			removed = append(removed, rec.UserID)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	// Removed peers hear about their expulsion too.
	recipients := append([]string(nil), g.Members...)
	csv := groups.JoinMembers(removed)
	tok := n.tokens.Issue(n.selfID, token.ScopeGroup, token.DefaultTTL)
	for _, uid := range recipients {
		if uid == n.selfID {
			continue
		}
		f := wire.New(wire.TypeGroupRemove).
			Set(wire.FieldFrom, n.selfID).
			Set(wire.FieldGroupID, groupID).
			Set(wire.FieldRemove, csv).
			Set(wire.FieldTimestamp, nowStamp()).
			Set(wire.FieldToken, tok)
		ip, port := n.peerAddr(uid)
		if err := n.udp.Send(f.Marshal(), ip, port); err != nil {
			log.Warnf("group remove to %s: %v", uid, err)
		}
	}
	_, err := n.groups.ApplyRemove(groupID, removed)
	return err
}

// GroupMessage sends a message to every other group member with the batched
// ACK pattern and reports acknowledged/attempted counts.
func (n *Node) GroupMessage(groupID, content string) (acked, total int, err error) {
	g, ok := n.groups.Get(groupID)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", groups.ErrUnknownGroup, groupID)
	}
	if !g.HasMember(n.selfID) {
		return 0, 0, groups.ErrNotMember
	}

	ts := nowStamp()
	tok := n.tokens.Issue(n.selfID, token.ScopeGroup, token.DefaultTTL)
	frames := make(map[string][]byte)
	dests := make(map[string]string)
	var ids []string
	for _, uid := range g.Members {
		if uid == n.selfID {
			continue
		}
		id := uuid.NewString()
		f := wire.New(wire.TypeGroupMessage).
			Set(wire.FieldFrom, n.selfID).
			Set(wire.FieldGroupID, groupID).
			Set(wire.FieldMessageID, id).
			Set(wire.FieldContent, content).
			Set(wire.FieldTimestamp, ts).
			Set(wire.FieldToken, tok)
		frames[id] = f.Marshal()
		dests[id] = uid
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}
	acked = n.acks.SendBatch(ids, func(id string) error {
		ip, port := n.peerAddr(dests[id])
		return n.udp.Send(frames[id], ip, port)
	})
	return acked, len(ids), nil
}

// GameInvite proposes a Tic-Tac-Toe game playing the given symbol. The
// opponent is assigned the other one. Returns the new game ID.
func (n *Node) GameInvite(name string, symbol byte) (string, error) {
	if symbol != 'X' && symbol != 'O' {
		return "", fmt.Errorf("game: symbol must be X or O, got %q", symbol)
	}
	rec, err := n.peers.Resolve(name)
	if err != nil {
		return "", err
	}

	gameID := xid.New().String()
	n.games.Start(gameID, rec.UserID, symbol)

	id := uuid.NewString()
	f := wire.New(wire.TypeGameInvite).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, rec.UserID).
		Set(wire.FieldGameID, gameID).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldSymbol, string(symbol)).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeGame, token.DefaultTTL))
	data := f.Marshal()
	err = n.acks.SendWithRetry(id, func() error {
		return n.udp.Send(data, rec.IP, rec.Port)
	})
	if err != nil {
		n.games.Drop(gameID)
		return "", err
	}
	return gameID, nil
}

// GameMove plays the local symbol at position, then checks for a finished
// board and sends the result when the game is decided.
func (n *Node) GameMove(gameID string, position int) error {
	g, ok := n.games.Get(gameID)
	if !ok {
		return fmt.Errorf("%w: %s", game.ErrUnknownGame, gameID)
	}
	g, err := n.games.ApplyMove(gameID, position, g.Symbol)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	f := wire.New(wire.TypeGameMove).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, g.Opponent).
		Set(wire.FieldGameID, gameID).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldPosition, strconv.Itoa(position)).
		Set(wire.FieldSymbol, string(g.Symbol)).
		Set(wire.FieldTurn, strconv.Itoa(g.Turn)).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeGame, token.DefaultTTL))
	data := f.Marshal()
	ip, port := n.peerAddr(g.Opponent)
	if err := n.acks.SendWithRetry(id, func() error {
		return n.udp.Send(data, ip, port)
	}); err != nil {
		return err
	}

	// The mover checks for a decided board after its own move.
	winner, line, draw := game.Winner(g.Board)
	switch {
	case winner == g.Symbol:
		n.games.Finish(gameID)
		log.Infof("you win game %s (line %s)", gameID, game.FormatLine(line))
		return n.sendGameResult(g, game.ResultWin, game.FormatLine(line))
	case draw:
		n.games.Finish(gameID)
		log.Infof("game %s is a draw", gameID)
		return n.sendGameResult(g, game.ResultDraw, "")
	}
	return nil
}

// GameForfeit concedes the game.
func (n *Node) GameForfeit(gameID string) error {
	g, ok := n.games.Get(gameID)
	if !ok {
		return fmt.Errorf("%w: %s", game.ErrUnknownGame, gameID)
	}
	if !g.Active {
		return fmt.Errorf("%w: %s", game.ErrGameOver, gameID)
	}
	n.games.Finish(gameID)
	return n.sendGameResult(g, game.ResultLoss, "")
}

func (n *Node) sendGameResult(g game.Game, result, line string) error {
	id := uuid.NewString()
	f := wire.New(wire.TypeGameResult).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, g.Opponent).
		Set(wire.FieldGameID, g.ID).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldResult, result).
		Set(wire.FieldSymbol, string(g.Symbol)).
		Set(wire.FieldWinningLine, line).
		Set(wire.FieldTimestamp, nowStamp()).
		Set(wire.FieldToken, n.tokens.Issue(n.selfID, token.ScopeGame, token.DefaultTTL))
	data := f.Marshal()
	ip, port := n.peerAddr(g.Opponent)
	return n.acks.SendWithRetry(id, func() error {
		return n.udp.Send(data, ip, port)
	})
}

// RevokeToken adds the token to the local revocation set and broadcasts an
// informational REVOKE so peers can drop it too.
func (n *Node) RevokeToken(tok string) error {
	n.tokens.Revoke(tok)
	f := wire.New(wire.TypeRevoke).Set(wire.FieldToken, tok)
	return n.udp.Broadcast(f.Marshal())
}
