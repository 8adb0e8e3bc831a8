package node

import (
	"encoding/base64"
	"fmt"
	"net"

	"github.com/petervdpas/lsnp/internal/avatars"
	"github.com/petervdpas/lsnp/internal/filetransfer"
	"github.com/petervdpas/lsnp/internal/game"
	"github.com/petervdpas/lsnp/internal/groups"
	"github.com/petervdpas/lsnp/internal/token"
	"github.com/petervdpas/lsnp/internal/wire"
)

// scopeFor maps each token-bearing frame type to its required scope.
var scopeFor = map[string]string{
	wire.TypeDM:           token.ScopeChat,
	wire.TypeFollow:       token.ScopeFollow,
	wire.TypeUnfollow:     token.ScopeUnfollow,
	wire.TypePost:         token.ScopePost,
	wire.TypeLike:         token.ScopeLike,
	wire.TypeFileOffer:    token.ScopeFile,
	wire.TypeFileAccept:   token.ScopeFile,
	wire.TypeFileReject:   token.ScopeFile,
	wire.TypeFileChunk:    token.ScopeFile,
	wire.TypeGroupCreate:  token.ScopeGroup,
	wire.TypeGroupAdd:     token.ScopeGroup,
	wire.TypeGroupRemove:  token.ScopeGroup,
	wire.TypeGroupMessage: token.ScopeGroup,
	wire.TypeGameInvite:   token.ScopeGame,
	wire.TypeGameMove:     token.ScopeGame,
	wire.TypeGameResult:   token.ScopeGame,
}

// handleDatagram is the dispatcher. It runs on the receive goroutine and
// never blocks on outbound operations.
func (n *Node) handleDatagram(data []byte, src *net.UDPAddr) {
	srcIP := src.IP.String()
	if n.tracker.Blocked(srcIP) {
		return
	}

	f, err := wire.Parse(data)
	if err != nil {
		n.tracker.Observe(srcIP, "")
		log.Debugf("drop malformed datagram from %s: %v", srcIP, err)
		return
	}

	// ACKs short-circuit: they carry only MESSAGE_ID and STATUS.
	if f.Type() == wire.TypeAck {
		n.tracker.Observe(srcIP, "")
		n.handleAck(f, src)
		return
	}

	sender := f.Get(wire.FieldFrom)
	if sender == "" {
		sender = f.Get(wire.FieldUserID)
	}
	n.tracker.Observe(srcIP, sender)

	// Broadcast frames loop back to the sender.
	if sender == n.selfID {
		return
	}

	if host := hostOf(sender); host != "" && host != srcIP {
		n.tracker.NoteMismatch(srcIP)
		log.Warnf("drop %s: sender %s does not match source %s", f.Type(), sender, srcIP)
		return
	}

	if to := f.Get(wire.FieldTo); f.Has(wire.FieldTo) && to != n.selfID {
		log.Debugf("drop %s addressed to %s", f.Type(), to)
		return
	}

	if scope, ok := scopeFor[f.Type()]; ok {
		if !n.tokens.Validate(f.Get(wire.FieldToken), scope) {
			n.tracker.NoteTokenReject()
			log.Warnf("drop %s from %s: invalid %s token", f.Type(), sender, scope)
			return
		}
	}

	h, ok := n.handlers[f.Type()]
	if !ok {
		log.Warnf("unknown frame type %q from %s", f.Type(), srcIP)
		return
	}
	h(f, src)
}

// sendAck acknowledges a frame back to its source address.
func (n *Node) sendAck(f *wire.Frame, src *net.UDPAddr) {
	id := f.Get(wire.FieldMessageID)
	if id == "" {
		return
	}
	ack := wire.New(wire.TypeAck).
		Set(wire.FieldMessageID, id).
		Set(wire.FieldStatus, "RECEIVED")
	if err := n.udp.Send(ack.Marshal(), src.IP.String(), src.Port); err != nil {
		log.Debugf("ack %s: %v", id, err)
	}
}

func (n *Node) handleAck(f *wire.Frame, _ *net.UDPAddr) {
	id := f.Get(wire.FieldMessageID)
	if !n.acks.Signal(id) {
		log.Debugf("unmatched ACK %s", id)
	}
}

func (n *Node) handleProfile(f *wire.Frame, src *net.UDPAddr) {
	userID := f.Get(wire.FieldUserID)
	if userID == "" {
		return
	}
	n.peers.Upsert(userID, f.Get(wire.FieldDisplayName), src.IP.String(), src.Port)
	log.Debugf("profile from %s (%s)", userID, f.Get(wire.FieldDisplayName))

	if !f.Has(wire.FieldAvatarData) {
		return
	}
	// An invalid avatar is dropped without affecting the rest of the PROFILE.
	if enc := f.Get(wire.FieldAvatarEnc); enc != "base64" {
		log.Debugf("drop avatar from %s: encoding %q", userID, enc)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(f.Get(wire.FieldAvatarData))
	if err != nil {
		log.Debugf("drop avatar from %s: %v", userID, err)
		return
	}
	mime, err := avatars.Validate(f.Get(wire.FieldAvatarType), raw)
	if err != nil {
		log.Debugf("drop avatar from %s: %v", userID, err)
		return
	}
	n.peers.SetAvatar(userID, mime, raw)
	if err := n.cache.Put(userID, mime, raw); err != nil {
		log.Debugf("cache avatar for %s: %v", userID, err)
	}
}

func (n *Node) handlePing(f *wire.Frame, src *net.UDPAddr) {
	userID := f.Get(wire.FieldUserID)
	n.peers.Touch(userID)
	log.Debugf("ping from %s (%s)", userID, src.IP)
}

func (n *Node) handleDM(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	n.peers.Touch(from)
	n.notify("dm", fmt.Sprintf("%s: %s", n.displayNameOf(from), f.Get(wire.FieldContent)))
	n.sendAck(f, src)
}

func (n *Node) handleFollow(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	n.social.AddFollower(from)
	n.notify("follow", fmt.Sprintf("User %s started following you.", n.displayNameOf(from)))
	n.sendAck(f, src)
}

func (n *Node) handleUnfollow(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	n.social.RemoveFollower(from)
	n.notify("follow", fmt.Sprintf("User %s unfollowed you.", n.displayNameOf(from)))
	n.sendAck(f, src)
}

func (n *Node) handlePost(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldUserID)
	n.peers.Touch(from)
	n.notify("post", fmt.Sprintf("%s posted: %s", n.displayNameOf(from), f.Get(wire.FieldContent)))
	n.sendAck(f, src)
}

func (n *Node) handleLike(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	ts := f.Get(wire.FieldPostTimestamp)
	if f.Get(wire.FieldAction) == "UNLIKE" {
		n.notify("like", fmt.Sprintf("%s unliked your post [%s]", n.displayNameOf(from), ts))
	} else {
		n.notify("like", fmt.Sprintf("%s likes your post [%s]", n.displayNameOf(from), ts))
	}
	n.sendAck(f, src)
}

func (n *Node) handleFileOffer(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	fileID := f.Get(wire.FieldFileID)
	if fileID == "" {
		return
	}
	size := f.GetInt64(wire.FieldFilesize)
	if size <= 0 {
		log.Warnf("drop FILE_OFFER %s from %s: filesize %d", fileID, from, size)
		return
	}
	if _, ok := n.files.Get(fileID); ok {
		return
	}
	t := n.files.AddPendingOffer(fileID, from,
		f.Get(wire.FieldFilename), f.Get(wire.FieldFiletype),
		f.Get(wire.FieldDescription), f.Get(wire.FieldToken), size)
	n.notify("file", fmt.Sprintf("%s offers %q (%d bytes). Use 'acceptfile %s' or 'rejectfile %s'.",
		n.displayNameOf(from), t.Filename, t.Size, fileID, fileID))
}

func (n *Node) handleFileAccept(f *wire.Frame, _ *net.UDPAddr) {
	fileID := f.Get(wire.FieldFileID)
	n.setOfferVerdict(fileID, "accepted")
	if !n.offers.Signal(fileID) {
		// No waiter: the offer timed out or never existed. Drop the
		// verdict so the table does not accumulate entries.
		n.takeOfferVerdict(fileID)
		log.Debugf("unmatched FILE_ACCEPT %s", fileID)
	}
}

func (n *Node) handleFileReject(f *wire.Frame, _ *net.UDPAddr) {
	fileID := f.Get(wire.FieldFileID)
	n.setOfferVerdict(fileID, "rejected")
	if !n.offers.Signal(fileID) {
		n.takeOfferVerdict(fileID)
		log.Debugf("unmatched FILE_REJECT %s", fileID)
	}
}

func (n *Node) handleFileChunk(f *wire.Frame, src *net.UDPAddr) {
	fileID := f.Get(wire.FieldFileID)
	index := f.GetInt(wire.FieldChunkIndex)

	t, ok := n.files.Get(fileID)
	if !ok {
		log.Debugf("chunk %d of unknown transfer %s", index, fileID)
		return
	}
	// Chunks only flow into transfers we accepted, and only from the peer
	// that offered them.
	if t.Direction != filetransfer.Incoming {
		log.Warnf("drop chunk %d of %s: transfer is outgoing", index, fileID)
		return
	}
	if from := f.Get(wire.FieldFrom); from != t.Remote {
		log.Warnf("drop chunk %d of %s: sender %s, expected %s", index, fileID, from, t.Remote)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(f.Get(wire.FieldData))
	if err != nil {
		log.Warnf("chunk %d of %s: bad base64: %v", index, fileID, err)
		n.failTransfer(fileID, src)
		return
	}
	if declared := f.GetInt(wire.FieldChunkSize); declared >= 0 && declared != len(raw) {
		log.Warnf("chunk %d of %s: declared %d bytes, got %d", index, fileID, declared, len(raw))
		n.failTransfer(fileID, src)
		return
	}

	complete, err := n.files.AddChunk(fileID, index, raw)
	if err != nil {
		log.Debugf("chunk %d of %s: %v", index, fileID, err)
		return
	}
	if complete {
		n.finishIncoming(f, src, fileID)
	}
}

// finishIncoming reassembles a fully received transfer, writes it to the
// downloads directory, and reports the outcome to the sender.
func (n *Node) finishIncoming(f *wire.Frame, src *net.UDPAddr, fileID string) {
	t, ok := n.files.Get(fileID)
	if !ok {
		return
	}
	data, err := n.files.Assemble(fileID)
	if err != nil {
		log.Warnf("assemble %s: %v", fileID, err)
		n.failTransfer(fileID, src)
		return
	}
	path, err := filetransfer.WriteDownload(n.downloadsDir, t.Filename, data)
	if err != nil {
		log.Warnf("write %s: %v", fileID, err)
		n.failTransfer(fileID, src)
		return
	}
	if err := n.files.Finalize(fileID, path); err != nil {
		log.Debugf("finalize %s: %v", fileID, err)
	}
	n.notify("file", fmt.Sprintf("File from %s saved as %s", n.displayNameOf(t.Remote), path))
	n.sendFileReceived(t.Remote, fileID, "COMPLETE", src)
}

func (n *Node) failTransfer(fileID string, src *net.UDPAddr) {
	t, ok := n.files.Get(fileID)
	if !ok {
		return
	}
	if err := n.files.Transition(fileID, filetransfer.Failed); err != nil {
		log.Debugf("fail %s: %v", fileID, err)
		return
	}
	n.sendFileReceived(t.Remote, fileID, "FAILED", src)
}

func (n *Node) sendFileReceived(remote, fileID, status string, src *net.UDPAddr) {
	f := wire.New(wire.TypeFileRecv).
		Set(wire.FieldFrom, n.selfID).
		Set(wire.FieldTo, remote).
		Set(wire.FieldFileID, fileID).
		Set(wire.FieldStatus, status).
		Set(wire.FieldTimestamp, nowStamp())
	if err := n.udp.Send(f.Marshal(), src.IP.String(), src.Port); err != nil {
		log.Debugf("file received %s: %v", fileID, err)
	}
}

func (n *Node) handleFileReceived(f *wire.Frame, _ *net.UDPAddr) {
	fileID := f.Get(wire.FieldFileID)
	status := f.Get(wire.FieldStatus)
	to := filetransfer.Completed
	if status != "COMPLETE" {
		to = filetransfer.Failed
	}
	if err := n.files.Transition(fileID, to); err != nil {
		log.Debugf("file received %s: %v", fileID, err)
		return
	}
	n.notify("file", fmt.Sprintf("Transfer %s finished with status %s", fileID, status))
}

func (n *Node) handleGroupCreate(f *wire.Frame, _ *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	id := f.Get(wire.FieldGroupID)
	if id == "" {
		return
	}
	members := groups.ParseMembers(f.Get(wire.FieldMembers))
	g := n.groups.Put(id, f.Get(wire.FieldGroupName), from, members)
	n.notify("group", fmt.Sprintf("You've been added to %q", g.Name))
}

func (n *Node) handleGroupAdd(f *wire.Frame, _ *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	id := f.Get(wire.FieldGroupID)
	if g, ok := n.groups.Get(id); ok && g.Owner != from {
		log.Warnf("drop GROUP_ADD for %s: %s is not the owner", id, from)
		return
	}
	members := groups.ParseMembers(f.Get(wire.FieldMembers))
	g := n.groups.Put(id, f.Get(wire.FieldGroupName), from, members)
	n.notify("group", fmt.Sprintf("The group %q member list was updated.", g.Name))
}

func (n *Node) handleGroupRemove(f *wire.Frame, _ *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	id := f.Get(wire.FieldGroupID)
	g, ok := n.groups.Get(id)
	if !ok {
		log.Debugf("GROUP_REMOVE for unknown group %s", id)
		return
	}
	if g.Owner != from {
		log.Warnf("drop GROUP_REMOVE for %s: %s is not the owner", id, from)
		return
	}
	removed := groups.ParseMembers(f.Get(wire.FieldRemove))
	for _, uid := range removed {
		if uid == n.selfID {
			n.groups.Remove(id)
			n.notify("group", fmt.Sprintf("You were removed from %q", g.Name))
			return
		}
	}
	if _, err := n.groups.ApplyRemove(id, removed); err != nil {
		log.Debugf("GROUP_REMOVE %s: %v", id, err)
		return
	}
	n.notify("group", fmt.Sprintf("The group %q member list was updated.", g.Name))
}

func (n *Node) handleGroupMessage(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	id := f.Get(wire.FieldGroupID)
	g, ok := n.groups.Get(id)
	if !ok {
		log.Debugf("GROUP_MESSAGE for unknown group %s", id)
		return
	}
	if !g.HasMember(from) {
		log.Warnf("drop GROUP_MESSAGE for %s: %s is not a member", id, from)
		return
	}
	n.notify("group", fmt.Sprintf("[%s] %s: %s", g.Name, n.displayNameOf(from), f.Get(wire.FieldContent)))
	n.sendAck(f, src)
}

func (n *Node) handleGameInvite(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	gameID := f.Get(wire.FieldGameID)
	symbol := f.Get(wire.FieldSymbol)
	if gameID == "" || (symbol != "X" && symbol != "O") {
		return
	}
	if _, ok := n.games.Get(gameID); !ok {
		local := game.Other(symbol[0])
		n.games.Start(gameID, from, local)
		n.notify("game", fmt.Sprintf("%s invites you to Tic-Tac-Toe (game %s, you play %c). Use 'game move %s <0-8>'.",
			n.displayNameOf(from), gameID, local, gameID))
	}
	n.sendAck(f, src)
}

func (n *Node) handleGameMove(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	gameID := f.Get(wire.FieldGameID)
	symbol := f.Get(wire.FieldSymbol)
	position := f.GetInt(wire.FieldPosition)
	if symbol == "" {
		return
	}
	g, err := n.games.ApplyMove(gameID, position, symbol[0])
	if err != nil {
		log.Debugf("move in %s: %v", gameID, err)
		n.sendAck(f, src)
		return
	}
	n.notify("game", fmt.Sprintf("%s played %s at %d in game %s", n.displayNameOf(from), symbol, position, gameID))
	log.Infof("\n%s", game.Render(g.Board))
	n.sendAck(f, src)
}

func (n *Node) handleGameResult(f *wire.Frame, src *net.UDPAddr) {
	from := f.Get(wire.FieldFrom)
	gameID := f.Get(wire.FieldGameID)
	result := f.Get(wire.FieldResult)

	// Results are mirrored: the opponent's WIN is our loss.
	var text string
	switch result {
	case game.ResultWin:
		text = fmt.Sprintf("Game %s over: %s wins", gameID, n.displayNameOf(from))
		if line := f.Get(wire.FieldWinningLine); line != "" {
			text += " (line " + line + ")"
		}
	case game.ResultLoss:
		text = fmt.Sprintf("Game %s over: %s forfeits, you win", gameID, n.displayNameOf(from))
	case game.ResultDraw:
		text = fmt.Sprintf("Game %s over: draw", gameID)
	default:
		log.Debugf("unknown result %q for game %s", result, gameID)
		n.sendAck(f, src)
		return
	}
	n.games.Finish(gameID)
	n.notify("game", text)
	n.sendAck(f, src)
}

func (n *Node) handleRevoke(f *wire.Frame, src *net.UDPAddr) {
	tok := f.Get(wire.FieldToken)
	if tok == "" {
		return
	}
	n.tokens.Revoke(tok)
	log.Infof("token revoked by %s (%s)", token.UserID(tok), src.IP)
}
